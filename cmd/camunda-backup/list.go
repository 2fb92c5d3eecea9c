package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/backup"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

const catalogListLimit = 10

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the backups known to Zeebe and Operate and the one a restore would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cl, err := c.clients()
			if err != nil {
				return err
			}

			zeebe, err := cl.zeebe.ListBackups(ctx)
			if err != nil {
				return err
			}
			operate, err := cl.operate.ListBackups(ctx)
			if err != nil {
				return err
			}

			now := time.Now()
			out := cmd.OutOrStdout()
			printSummary(out, "Zeebe", backup.Summarize(zeebe), now)
			printSummary(out, "Operate", backup.Summarize(operate), now)
			id, ok := backup.FindUsableBackup(zeebe, operate)
			printUsable(out, id, ok, now)

			cat, err := c.catalog()
			if err != nil {
				return err
			}
			if cat == nil {
				return nil
			}
			ids, err := cat.List(ctx)
			if err != nil {
				return err
			}
			printCatalog(out, ids, now)
			if !ok {
				return nil
			}
			m, err := cat.Get(ctx, id)
			if errors.IsNotFound(err) {
				fmt.Fprintf(out, "Backup %s is not recorded in the catalog\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			printManifest(out, m)
			return nil
		},
	}
}

func printSummary(w io.Writer, name string, summaries []backup.StateSummary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintf(w, "%s: no backups\n", name)
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, s := range summaries {
		recent := make([]string, 0, len(s.MostRecent))
		for _, id := range s.MostRecent {
			recent = append(recent, fmt.Sprintf("%s (%s)", id, age(id, now)))
		}
		fmt.Fprintf(w, "  %-14s %3d  %s\n", s.State, s.Count, strings.Join(recent, ", "))
	}
}

func printUsable(w io.Writer, id types.BackupID, ok bool, now time.Time) {
	if !ok {
		fmt.Fprintln(w, "No backup completed by both Zeebe and Operate")
		return
	}
	fmt.Fprintf(w, "Restore would use backup %s, taken %s (%s)\n",
		id, id.Time().Format(time.RFC3339), age(id, now))
}

func printCatalog(w io.Writer, ids []types.BackupID, now time.Time) {
	fmt.Fprintf(w, "Catalog: %s backup(s)\n", humanize.Comma(int64(len(ids))))
	for i, id := range ids {
		if i == catalogListLimit {
			fmt.Fprintf(w, "  ... %d more\n", len(ids)-catalogListLimit)
			break
		}
		fmt.Fprintf(w, "  %s  %s\n", id, age(id, now))
	}
}

func printManifest(w io.Writer, m *catalog.Manifest) {
	fmt.Fprintf(w, "Backup %s snapshots:\n", m.BackupID)
	for _, s := range m.Snapshots {
		fmt.Fprintf(w, "  %s\n", s)
	}
}

func age(id types.BackupID, now time.Time) string {
	return humanize.RelTime(id.Time(), now, "ago", "from now")
}

package main

import (
	"fmt"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/backup"
)

func newCreateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Take a new backup of Operate, the exported records and Zeebe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.clients()
			if err != nil {
				return err
			}

			creator := backup.NewCreator(cl.zeebe, cl.operate, cl.search, clock.WallClock, c.pollPolicy(), c.logger)
			cat, err := c.catalog()
			if err != nil {
				return err
			}
			if cat != nil {
				creator.WithCatalog(cat)
			}

			id, err := creator.Create(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created backup %s\n", id)
			return nil
		},
	}
}

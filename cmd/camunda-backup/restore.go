package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/config"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/restore"
)

func newRestoreCmd(c *cli) *cobra.Command {
	var trustZeebeOnly bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the newest backup completed by Zeebe and Operate",
		Long: `Restore scales the installation down, replaces all search indices and the
data of every Zeebe broker with the newest usable backup and scales the
installation up again. If a step fails the installation stays scaled down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("trust-zeebe-only") {
				c.cfg.Restore.TrustZeebeOnly = trustZeebeOnly
			}

			kube, err := c.kubernetes()
			if err != nil {
				return err
			}
			cl, err := c.clients()
			if err != nil {
				return err
			}

			r := restore.New(kube.Client, cl.zeebe, cl.operate, cl.search, restoreConfig(c.cfg, kube.Namespace), c.logger)
			if err := r.Restore(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Restore finished")
			return nil
		},
	}
	cmd.Flags().BoolVar(&trustZeebeOnly, "trust-zeebe-only", false,
		"Restore the newest backup Zeebe completed, even if Operate did not complete it")
	return cmd
}

func restoreConfig(cfg *config.Config, namespace string) restore.Config {
	rc := restore.DefaultConfig(namespace)
	rc.AppSelector = cfg.Restore.AppSelector
	rc.BrokerSelector = cfg.Restore.BrokerSelector
	rc.TrustZeebeOnly = cfg.Restore.TrustZeebeOnly
	rc.JobPollInterval = cfg.Restore.JobPollInterval
	rc.ScaleTimeout = cfg.Restore.ScaleTimeout
	rc.Jobs = restore.JobOptions{
		DataDir:        cfg.Restore.DataDir,
		WipeImage:      cfg.Restore.WipeImage,
		RestoreBinary:  cfg.Restore.RestoreBinary,
		NodeIDVariable: cfg.Restore.NodeIDVariable,
	}
	return rc
}

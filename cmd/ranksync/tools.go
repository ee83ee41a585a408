package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ranksync/internal/config"

	"github.com/spf13/cobra"
)

func newInitConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a config file with placeholder values",
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := config.WriteDefaults(*configPath)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, left unchanged\n", *configPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; replace every %s value before starting\n", *configPath, config.Placeholder)
			return nil
		},
	}
}

func newDrainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain cycle over pending rank updates and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, zl, err := setup(*configPath, config.RoleCoordinator)
			if err != nil {
				return err
			}
			defer zl.Sync()

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.Poller.DrainTimeout)
			defer cancel()

			c, err := buildCoordinator(ctx, cfg, zl)
			if err != nil {
				return err
			}
			defer c.close()

			report, ran, err := c.poller.RunNow(ctx)
			if err != nil {
				return err
			}
			if !ran {
				return errors.New("another coordinator is draining; nothing done")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

// Package cli builds the branch-cdc command line.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorone/branch-cdc/pkg/config"
)

const (
	ModeAuto = "auto"
	ModeOnce = "once"
)

// NewRootCommand returns the branch-cdc command: replicate by default, with
// verify, status and health-check subcommands. ctx should be cancelled on
// shutdown signals.
func NewRootCommand(ctx context.Context, name string, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           name,
		Short:         "Replicate a MatrixOne table into another through snapshot diffs",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := cmd.Flags().GetString("mode")
			if err != nil {
				return err
			}
			return runMain(ctx, cmd, name, version, mode)
		},
	}
	config.DefineFlags(root.PersistentFlags())
	root.PersistentFlags().StringP("output", "o", OutputJSON, "Result format of once, verify and status: json or yaml")
	root.Flags().String("mode", ModeAuto, "auto loops until stopped, once runs a single cycle per task and exits")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare every downstream table with its upstream at the current watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := cmd.Flags().GetString("level")
			if err != nil {
				return err
			}
			return runVerify(ctx, cmd, name, version, level)
		},
	}
	verifyCmd.Flags().String("level", "full", "fast (counts and a key sample) or full (every row)")
	root.AddCommand(verifyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the lock, watermark and snapshots of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(ctx, cmd, name, version)
		},
	})

	healthCmd := &cobra.Command{
		Use:   "health-check",
		Short: "Probe the health endpoint of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			endpoint, _ := cmd.Flags().GetString("endpoint")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return probeHealth(ctx, v.GetString("health-check.bind-address"), v.GetInt("health-check.port"), endpoint, timeout)
		},
	}
	healthCmd.Flags().String("endpoint", "health", "health, ready or live")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	root.AddCommand(healthCmd)

	return root
}

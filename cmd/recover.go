package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/captrail/captrail/config"
	"github.com/captrail/captrail/pkg/capture/recovery"
	"github.com/captrail/captrail/pkg/store"
)

// NewRecoverCommand creates the manual recovery command. The daemon runs the
// same pass on every start; this exists for finalizing a crashed meeting
// without starting the daemon.
func NewRecoverCommand(deps *CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "recover",
		Short: "Finalize a meeting an interrupted run left in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, st store.Store) error {
				coord := recovery.New(st, deps.logger(), recovery.Options{
					Timeout: config.Duration(cfg.Capture.RecoveryTimeout, recovery.DefaultTimeout),
				})
				m, err := coord.Run(ctx)
				if err != nil {
					return fmt.Errorf("recovery pass: %w", err)
				}
				if m == nil {
					fmt.Fprintln(deps.out(), "Nothing to recover.")
					return nil
				}
				fmt.Fprintf(deps.out(), "Recovered meeting %s (%s, %d transcript blocks).\n",
					m.ID, m.Platform, len(m.Transcript))
				return nil
			})
		},
	}
	return c
}

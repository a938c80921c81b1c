// Package cli holds the screeem cobra commands.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/screeem/screeem/internal/config"
)

type app struct {
	cfg config.Config
	log *slog.Logger
}

// NewRootCmd returns the screeem command tree. Configuration is read from
// the environment before any subcommand runs.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "screeem",
		Short:         "screeem schedules posts on an event sourced timeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.Logger()
			return nil
		},
	}
	root.AddCommand(
		newServeCmd(a),
		newRebuildCmd(a),
		newHistoryCmd(a),
		newScheduleCmd(a),
		newCancelCmd(a),
		newPostsCmd(a),
		newLoadtestCmd(a),
	)
	return root
}

// Execute runs the root command with ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("screeem failed", slog.Any("error", err))
		return 1
	}
	return 0
}

package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/screeem/screeem/core/es"
)

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Clear the posts read model and replay the event log into it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, es.NopESMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			p := postsProjector(a.cfg, a.log, es.NopESMetrics(), b)
			if err := p.Rebuild(ctx); err != nil {
				return fmt.Errorf("rebuild %s: %w", p.Name(), err)
			}
			a.log.Info("rebuild done", slog.String("projector", p.Name()), slog.Uint64("cursor", p.Cursor()))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s rebuilt up to sequence %d\n", p.Name(), p.Cursor())
			return err
		},
	}
}

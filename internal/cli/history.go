package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/screeem/screeem/core/es"
)

func newHistoryCmd(a *app) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "history <organization-id>",
		Short: "Print a page of an organization's timeline events as JSON, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, es.NopESMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			svc := newService(a.cfg, a.log, es.NopESMetrics(), b)
			defer svc.Close()

			h, err := svc.History(ctx, args[0], page, pageSize)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(h)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", es.DefaultPageSize, "events per page")
	return cmd
}

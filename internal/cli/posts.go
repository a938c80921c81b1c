package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/timeline"
)

func newScheduleCmd(a *app) *cobra.Command {
	var (
		content string
		media   []string
		at      string
		user    string
	)
	cmd := &cobra.Command{
		Use:   "schedule <organization-id>",
		Short: "Schedule a post and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledFor, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, es.NopESMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			svc := newService(a.cfg, a.log, es.NopESMetrics(), b)
			defer svc.Close()

			postID, _, err := svc.SchedulePost(ctx, args[0], timeline.SchedulePost{
				Content:      content,
				MediaURLs:    media,
				ScheduledFor: scheduledFor,
				UserID:       user,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), postID)
			return err
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "post text")
	cmd.Flags().StringSliceVar(&media, "media", nil, "media url, repeatable")
	cmd.Flags().StringVar(&at, "at", "", "publish time, RFC 3339")
	cmd.Flags().StringVar(&user, "user", "cli", "user id recorded in the event metadata")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var reason, user string
	cmd := &cobra.Command{
		Use:   "cancel <organization-id> <post-id>",
		Short: "Cancel a scheduled post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, es.NopESMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			svc := newService(a.cfg, a.log, es.NopESMetrics(), b)
			defer svc.Close()

			_, err = svc.CancelPost(ctx, args[0], timeline.CancelPost{PostID: args[1], Reason: reason, UserID: user})
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	cmd.Flags().StringVar(&user, "user", "cli", "user id recorded in the event metadata")
	return cmd
}

func newPostsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "posts <organization-id>",
		Short: "Bring the posts read model up to date and print an organization's posts as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, a.cfg, a.log, es.NopESMetrics())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			p := postsProjector(a.cfg, a.log, es.NopESMetrics(), b)
			if err := p.Start(ctx); err != nil {
				return err
			}
			p.Stop()

			rows, err := b.readModel.ListByOrganization(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}

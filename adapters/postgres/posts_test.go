package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/timeline"
)

func TestPostsReadModel(t *testing.T) {
	pool := NewTestPool(t)

	t.Run("save get list", func(t *testing.T) {
		rm := NewPostsReadModel(pool)
		ctx := t.Context()
		now := time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)

		_, err := rm.Get(ctx, "missing")
		require.ErrorIs(t, err, timeline.ErrPostNotFound)

		published := now.Add(time.Hour)
		rows := []timeline.PostRow{
			{ID: "p-2", OrganizationID: "org-1", Content: "later", ScheduledFor: now.Add(time.Hour), Status: timeline.StatusScheduled, CreatedBy: "u", CreatedAt: now, UpdatedAt: now, Version: 2},
			{ID: "p-1", OrganizationID: "org-1", Content: "soon", MediaURLs: []string{"https://example.com/a.png"}, ScheduledFor: now.Add(-time.Minute), Status: timeline.StatusScheduled, CreatedBy: "u", CreatedAt: now, UpdatedAt: now, Version: 1},
			{ID: "p-3", OrganizationID: "org-1", Content: "done", ScheduledFor: now.Add(-time.Hour), Status: timeline.StatusPublished, TweetID: "tw", PublishedAt: &published, CreatedBy: "u", CreatedAt: now, UpdatedAt: now, Version: 5},
			{ID: "p-4", OrganizationID: "org-2", Content: "other", ScheduledFor: now.Add(-2 * time.Hour), Status: timeline.StatusScheduled, CreatedBy: "u", CreatedAt: now, UpdatedAt: now, Version: 1},
		}
		for _, r := range rows {
			require.NoError(t, rm.Save(ctx, r))
		}

		got, err := rm.Get(ctx, "p-1")
		require.NoError(t, err)
		require.Equal(t, []string{"https://example.com/a.png"}, got.MediaURLs)
		require.Equal(t, es.Version(1), got.Version)
		require.Nil(t, got.PublishedAt)

		got, err = rm.Get(ctx, "p-3")
		require.NoError(t, err)
		require.NotNil(t, got.PublishedAt)
		require.True(t, published.Equal(*got.PublishedAt))
		require.Equal(t, []string{}, got.MediaURLs)

		list, err := rm.ListByOrganization(ctx, "org-1")
		require.NoError(t, err)
		require.Equal(t, []string{"p-3", "p-1", "p-2"}, ids(list))

		due, err := rm.ListDue(ctx, now, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"p-4", "p-1"}, ids(due))

		due, err = rm.ListDue(ctx, now, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"p-4"}, ids(due))

		got.Status = timeline.StatusCancelled
		require.NoError(t, rm.Save(ctx, got))
		got, err = rm.Get(ctx, "p-3")
		require.NoError(t, err)
		require.Equal(t, timeline.StatusCancelled, got.Status)

		require.NoError(t, rm.Clear(ctx))
		list, err = rm.ListByOrganization(ctx, "org-1")
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("matches in-memory model", func(t *testing.T) {
		store := NewStore(pool)
		t.Cleanup(func() { _ = store.Close() })

		future := time.Now().Add(24 * time.Hour)
		svc := timeline.NewService(store)
		t.Cleanup(svc.Close)

		p1, _, err := svc.SchedulePost(t.Context(), "org-9", timeline.SchedulePost{Content: "one", MediaURLs: []string{"https://example.com/x.png"}, ScheduledFor: future, UserID: "u"})
		require.NoError(t, err)
		p2, _, err := svc.SchedulePost(t.Context(), "org-9", timeline.SchedulePost{Content: "two", ScheduledFor: future, UserID: "u"})
		require.NoError(t, err)
		_, err = svc.UpdatePost(t.Context(), "org-9", timeline.UpdatePost{PostID: p1, Content: "one!", ScheduledFor: future.Add(time.Hour), UserID: "u"})
		require.NoError(t, err)
		claim, err := svc.ClaimPost(t.Context(), "org-9", p2)
		require.NoError(t, err)
		require.NoError(t, svc.MarkPublished(t.Context(), claim, "tw-2", future))

		events, err := store.GetAll(t.Context(), 0, 1000)
		require.NoError(t, err)

		pgRM, memRM := NewPostsReadModel(pool), timeline.NewMemReadModel()
		require.NoError(t, es.Rebuild(t.Context(), timeline.NewPostsProjection(pgRM, nil), events))
		require.NoError(t, es.Rebuild(t.Context(), timeline.NewPostsProjection(memRM, nil), events))

		fromPG, err := pgRM.ListByOrganization(t.Context(), "org-9")
		require.NoError(t, err)
		fromMem, err := memRM.ListByOrganization(t.Context(), "org-9")
		require.NoError(t, err)

		require.Len(t, fromPG, 2)
		for i := range fromMem {
			want, got := fromMem[i], fromPG[i]
			require.Equal(t, want.ID, got.ID)
			require.Equal(t, want.Content, got.Content)
			require.Equal(t, want.MediaURLs, got.MediaURLs)
			require.Equal(t, want.Status, got.Status)
			require.Equal(t, want.TweetID, got.TweetID)
			require.Equal(t, want.Version, got.Version)
			// microsecond storage resolution
			require.True(t, want.ScheduledFor.Truncate(time.Microsecond).Equal(got.ScheduledFor))
			require.True(t, want.UpdatedAt.Truncate(time.Microsecond).Equal(got.UpdatedAt))
			require.Equal(t, want.PublishedAt == nil, got.PublishedAt == nil)
		}
	})
}

func ids(rows []timeline.PostRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
)

// seedTimeline runs a mixed set of commands and transitions over two
// organizations and returns the committed log.
func seedTimeline(t *testing.T, store es.EventStore, svc *Service) []es.StoredEvent {
	t.Helper()
	ctx := t.Context()

	p1, _, err := svc.SchedulePost(ctx, orgID, SchedulePost{Content: "first", MediaURLs: []string{"https://example.com/a.png"}, ScheduledFor: tomorrow(), UserID: userID})
	require.NoError(t, err)
	p2, _, err := svc.SchedulePost(ctx, orgID, SchedulePost{Content: "second", ScheduledFor: tomorrow().Add(time.Hour), UserID: userID})
	require.NoError(t, err)
	p3, _, err := svc.SchedulePost(ctx, "org-other", SchedulePost{Content: "elsewhere", ScheduledFor: tomorrow(), UserID: "user-9"})
	require.NoError(t, err)

	_, err = svc.UpdatePost(ctx, orgID, UpdatePost{PostID: p1, Content: "first, edited", ScheduledFor: tomorrow().Add(2 * time.Hour), UserID: userID})
	require.NoError(t, err)
	_, err = svc.CancelPost(ctx, orgID, CancelPost{PostID: p2, Reason: "dup", UserID: userID})
	require.NoError(t, err)
	claim, err := svc.ClaimPost(ctx, "org-other", p3)
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, claim, "No Twitter account connected"))

	all, err := store.GetAll(ctx, 0, 100)
	require.NoError(t, err)
	return all
}

func rowsOf(t *testing.T, rm ReadModel, orgs ...string) []PostRow {
	t.Helper()
	var out []PostRow
	for _, org := range orgs {
		rows, err := rm.ListByOrganization(t.Context(), org)
		require.NoError(t, err)
		out = append(out, rows...)
	}
	return out
}

func TestPostsProjection_Rows(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())
	events := seedTimeline(t, store, svc)

	rm := NewMemReadModel()
	proj := NewPostsProjection(rm, nil)
	for _, ev := range events {
		require.NoError(t, proj.Handle(t.Context(), ev))
	}

	first, err := rm.Get(t.Context(), "post-1")
	require.NoError(t, err)
	require.Equal(t, orgID, first.OrganizationID)
	require.Equal(t, "first, edited", first.Content)
	require.Equal(t, []string{"https://example.com/a.png"}, first.MediaURLs)
	require.True(t, tomorrow().Add(2*time.Hour).Equal(first.ScheduledFor))
	require.Equal(t, StatusScheduled, first.Status)
	require.Equal(t, userID, first.CreatedBy)
	require.Equal(t, es.Version(3), first.Version)

	second, err := rm.Get(t.Context(), "post-2")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, second.Status)
	require.Equal(t, "dup", second.CancelReason)

	other, err := rm.Get(t.Context(), "post-3")
	require.NoError(t, err)
	require.Equal(t, "org-other", other.OrganizationID)
	require.Equal(t, StatusFailed, other.Status)
	require.Equal(t, "No Twitter account connected", other.Error)

	_, err = rm.Get(t.Context(), "post-404")
	require.ErrorIs(t, err, ErrPostNotFound)
}

func TestPostsProjection_DuplicateDeliveryIsIdempotent(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())
	events := seedTimeline(t, store, svc)

	once, twice := NewMemReadModel(), NewMemReadModel()
	p1, p2 := NewPostsProjection(once, nil), NewPostsProjection(twice, nil)
	for _, ev := range events {
		require.NoError(t, p1.Handle(t.Context(), ev))
		require.NoError(t, p2.Handle(t.Context(), ev))
		require.NoError(t, p2.Handle(t.Context(), ev))
	}

	// and a stale redelivery of the first event at the very end
	require.NoError(t, p2.Handle(t.Context(), events[0]))

	require.Equal(t, rowsOf(t, once, orgID, "org-other"), rowsOf(t, twice, orgID, "org-other"))
}

func TestPostsProjection_RebuildMatchesLive(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	liveRM := NewMemReadModel()
	projector := es.NewProjector(store, NewPostsProjection(liveRM, nil), es.WithProjectedStreamTypes(StreamType))
	require.NoError(t, projector.Start(t.Context()))
	t.Cleanup(projector.Stop)

	events := seedTimeline(t, store, svc)
	last := events[len(events)-1].Sequence
	require.Eventually(t, func() bool { return projector.Cursor() == last }, 2*time.Second, 5*time.Millisecond)

	rebuiltRM := NewMemReadModel()
	require.NoError(t, rebuiltRM.Save(t.Context(), PostRow{ID: "stale", OrganizationID: orgID}))
	require.NoError(t, es.Rebuild(t.Context(), NewPostsProjection(rebuiltRM, nil), events))

	require.Equal(t, rowsOf(t, liveRM, orgID, "org-other"), rowsOf(t, rebuiltRM, orgID, "org-other"))
	_, err := rebuiltRM.Get(t.Context(), "stale")
	require.ErrorIs(t, err, ErrPostNotFound)
}

func TestPostsProjection_EventForUnknownPost(t *testing.T) {
	proj := NewPostsProjection(NewMemReadModel(), nil)
	ev := historyOf(t, es.MustEvent(EventPostCancelled, PostCancelled{PostID: "ghost"}))[0]
	require.NoError(t, proj.Handle(t.Context(), ev))
}

func TestMemReadModel_ListDue(t *testing.T) {
	rm := NewMemReadModel()
	ctx := t.Context()
	for _, row := range []PostRow{
		{ID: "b", Status: StatusScheduled, ScheduledFor: testNow.Add(-time.Minute)},
		{ID: "a", Status: StatusScheduled, ScheduledFor: testNow.Add(-time.Hour)},
		{ID: "c", Status: StatusScheduled, ScheduledFor: testNow},
		{ID: "d", Status: StatusScheduled, ScheduledFor: testNow.Add(time.Second)},
		{ID: "e", Status: StatusCancelled, ScheduledFor: testNow.Add(-time.Hour)},
	} {
		require.NoError(t, rm.Save(ctx, row))
	}

	due, err := rm.ListDue(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{due[0].ID, due[1].ID, due[2].ID})

	due, err = rm.ListDue(ctx, testNow, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "a", due[0].ID)
}

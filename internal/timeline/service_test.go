package timeline

import (
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
)

func newTestService(t *testing.T, store es.EventStore, now func() time.Time) *Service {
	t.Helper()
	svc := NewService(
		store,
		WithClock(now),
		WithPostIDGenerator(sequentialIDs()),
		WithRepositoryOptions(
			es.WithRetries(50),
			es.WithBackoff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
		),
	)
	t.Cleanup(svc.Close)
	return svc
}

func newMemStore(t *testing.T) *es.InMemoryStore {
	t.Helper()
	store := es.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestService_ScheduleUpdateCancel(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	postID, stored, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: "Hello", ScheduledFor: tomorrow(), UserID: userID})
	require.NoError(t, err)
	require.Equal(t, "post-1", postID)
	require.Len(t, stored, 1)
	require.Equal(t, orgID, stored[0].StreamID)
	require.Equal(t, StreamType, stored[0].StreamType)
	require.Equal(t, userID, stored[0].Metadata.UserID)
	require.Equal(t, es.Version(1), stored[0].StreamSequence)

	stored, err = svc.UpdatePost(t.Context(), orgID, UpdatePost{PostID: postID, Content: "Hello again", ScheduledFor: tomorrow(), UserID: userID})
	require.NoError(t, err)
	require.Equal(t, es.Version(2), stored[0].StreamSequence)

	_, err = svc.CancelPost(t.Context(), orgID, CancelPost{PostID: postID, Reason: "changed my mind", UserID: userID})
	require.NoError(t, err)

	tl, err := svc.Timeline(t.Context(), orgID)
	require.NoError(t, err)
	require.Equal(t, es.Version(3), tl.GetVersion())
	post, ok := tl.Post(postID)
	require.True(t, ok)
	require.Equal(t, "Hello again", post.Content)
	require.Equal(t, StatusCancelled, post.Status)
}

func TestService_ValidationErrorsAppendNothing(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	_, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: " ", ScheduledFor: tomorrow(), UserID: userID})
	requireValidation(t, err, "Post content cannot be empty")

	_, err = svc.CancelPost(t.Context(), orgID, CancelPost{PostID: "nope", UserID: userID})
	requireValidation(t, err, "Post not found")

	events, err := store.GetStream(t.Context(), orgID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestService_ConcurrentCommandsOnOneTimeline(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: "concurrent", ScheduledFor: tomorrow(), UserID: userID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tl, err := svc.Timeline(t.Context(), orgID)
	require.NoError(t, err)
	require.Len(t, tl.Posts(), writers)
	require.Equal(t, es.Version(writers), tl.GetVersion())
}

func TestService_SystemTransitionsKeepSequencesGapFree(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	postID, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: "ship it", ScheduledFor: tomorrow(), UserID: userID})
	require.NoError(t, err)

	claim, err := svc.ClaimPost(t.Context(), orgID, postID)
	require.NoError(t, err)
	require.NoError(t, svc.MarkPublished(t.Context(), claim, "tw-9", testNow))

	// a published post is no longer cancellable
	_, err = svc.CancelPost(t.Context(), orgID, CancelPost{PostID: postID, UserID: userID})
	requireValidation(t, err, "Can only cancel scheduled posts")

	events, err := store.GetStream(t.Context(), orgID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, es.Version(i+1), ev.StreamSequence)
	}
	require.Equal(t, SystemUserID, events[1].Metadata.UserID)
	require.Equal(t, EventPostPublished, events[2].EventType)
	require.Equal(t, postID, events[1].Metadata.CorrelationID)
	require.Empty(t, events[1].Metadata.CausationID)
	require.Equal(t, postID, events[2].Metadata.CorrelationID)
	require.Equal(t, claim.EventID, events[2].Metadata.CausationID)
	require.Equal(t, events[1].ID, claim.EventID)

	tl, err := svc.Timeline(t.Context(), orgID)
	require.NoError(t, err)
	post, _ := tl.Post(postID)
	require.Equal(t, StatusPublished, post.Status)
	require.Equal(t, "tw-9", post.TweetID)
}

func TestService_ClaimPostOnlyOnce(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	postID, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: "once", ScheduledFor: tomorrow(), UserID: userID})
	require.NoError(t, err)

	claim, err := svc.ClaimPost(t.Context(), orgID, postID)
	require.NoError(t, err)
	require.Equal(t, StatusPublishing, claim.Post.Status)
	require.Equal(t, "once", claim.Post.Content)

	_, err = svc.ClaimPost(t.Context(), orgID, postID)
	requireValidation(t, err, "Can only publish scheduled posts")

	_, err = svc.ClaimPost(t.Context(), orgID, "missing")
	requireValidation(t, err, "Post not found")

	events, err := store.GetStream(t.Context(), orgID)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestService_History(t *testing.T) {
	store := newMemStore(t)
	svc := newTestService(t, store, fixedClock())

	for i := 0; i < 3; i++ {
		_, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{Content: "post", ScheduledFor: tomorrow(), UserID: userID})
		require.NoError(t, err)
	}

	h, err := svc.History(t.Context(), orgID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, h.Total)
	require.Len(t, h.Events, 2)
	require.Equal(t, es.Version(3), h.Events[0].StreamSequence)
	require.Equal(t, es.Version(2), h.Events[1].StreamSequence)
}

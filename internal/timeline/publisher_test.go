package timeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/metrics"
)

type fakePoster struct {
	mu    sync.Mutex
	sent  []PostRow
	fails map[string]error
}

func (f *fakePoster) Publish(_ context.Context, post PostRow) (Published, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fails[post.ID]; err != nil {
		return Published{}, err
	}
	f.sent = append(f.sent, post)
	return Published{TweetID: "tw-" + post.ID}, nil
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingPublisherMetrics struct {
	mu       sync.Mutex
	passes   int
	outcomes map[string]int
}

func (m *recordingPublisherMetrics) PassDuration() metrics.Timer {
	return metrics.TimerFunc(func() {
		m.mu.Lock()
		m.passes++
		m.mu.Unlock()
	})
}

func (m *recordingPublisherMetrics) PostHandled(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

type publisherFixture struct {
	store     *es.InMemoryStore
	svc       *Service
	rm        *MemReadModel
	projector *es.Projector
	clock     *movableClock
	poster    *fakePoster
	pub       *Publisher
	metrics   *recordingPublisherMetrics
}

func newPublisherFixture(t *testing.T) *publisherFixture {
	t.Helper()
	f := &publisherFixture{
		store:   newMemStore(t),
		rm:      NewMemReadModel(),
		clock:   &movableClock{},
		poster:  &fakePoster{fails: map[string]error{}},
		metrics: &recordingPublisherMetrics{outcomes: map[string]int{}},
	}
	f.svc = newTestService(t, f.store, f.clock.Now)
	f.projector = es.NewProjector(f.store, NewPostsProjection(f.rm, nil))
	require.NoError(t, f.projector.Start(t.Context()))
	t.Cleanup(f.projector.Stop)

	f.pub = NewPublisher(f.svc, f.rm, f.poster, PublisherConfig{Now: f.clock.Now, Metrics: f.metrics})
	return f
}

// settle waits until the read model has seen every committed event.
func (f *publisherFixture) settle(t *testing.T) {
	t.Helper()
	all, err := f.store.GetAll(t.Context(), 0, 1000)
	require.NoError(t, err)
	if len(all) == 0 {
		return
	}
	last := all[len(all)-1].Sequence
	require.Eventually(t, func() bool { return f.projector.Cursor() >= last }, 2*time.Second, 5*time.Millisecond)
}

func (f *publisherFixture) schedule(t *testing.T, content string, in time.Duration) string {
	t.Helper()
	id, _, err := f.svc.SchedulePost(t.Context(), orgID, SchedulePost{
		Content:      content,
		ScheduledFor: f.clock.Now().Add(in),
		UserID:       userID,
	})
	require.NoError(t, err)
	return id
}

func TestPublisher_PublishesDuePosts(t *testing.T) {
	f := newPublisherFixture(t)
	early := f.schedule(t, "early", time.Hour)
	late := f.schedule(t, "late", 3*time.Hour)
	f.settle(t)

	n, err := f.pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, f.poster.count())
	require.Equal(t, "early", f.poster.sent[0].Content)
	f.settle(t)

	row, err := f.rm.Get(t.Context(), early)
	require.NoError(t, err)
	require.Equal(t, StatusPublished, row.Status)
	require.Equal(t, "tw-"+early, row.TweetID)
	require.NotNil(t, row.PublishedAt)

	row, err = f.rm.Get(t.Context(), late)
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, row.Status)

	events, err := f.store.GetStream(t.Context(), orgID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	require.Equal(t, []string{EventPostScheduled, EventPostScheduled, EventPostPublishing, EventPostPublished}, types)
	require.Equal(t, SystemUserID, events[3].Metadata.UserID)

	// the next pass finds nothing new
	n, err = f.pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPublisher_PosterFailureMarksPostFailed(t *testing.T) {
	f := newPublisherFixture(t)
	broken := f.schedule(t, "broken", time.Minute)
	fine := f.schedule(t, "fine", time.Minute)
	f.poster.fails[broken] = errors.New("No Twitter account connected")
	f.settle(t)

	f.clock.Advance(time.Hour)
	n, err := f.pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	f.settle(t)

	row, err := f.rm.Get(t.Context(), broken)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, row.Status)
	require.Equal(t, "No Twitter account connected", row.Error)

	row, err = f.rm.Get(t.Context(), fine)
	require.NoError(t, err)
	require.Equal(t, StatusPublished, row.Status)

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	require.Equal(t, 1, f.metrics.passes)
	require.Equal(t, map[string]int{OutcomeFailed: 1, OutcomePublished: 1}, f.metrics.outcomes)
}

func TestPublisher_SkipsPostsTheReadModelHasNotCaughtUpWith(t *testing.T) {
	f := newPublisherFixture(t)
	postID := f.schedule(t, "cancel me", time.Minute)
	f.settle(t)

	// stop projecting so the cancel is only in the timeline
	f.projector.Stop()
	_, err := f.svc.CancelPost(t.Context(), orgID, CancelPost{PostID: postID, UserID: userID})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, f.poster.count())

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	require.Equal(t, 1, f.metrics.outcomes[OutcomeSkipped])
}

// cancelAfterLoad runs onLoad right after the next read of a stream, so a
// command commits between a load and the append that follows it.
type cancelAfterLoad struct {
	es.EventStore
	armed  atomic.Bool
	onLoad func()
}

func (s *cancelAfterLoad) GetStream(ctx context.Context, streamID string) ([]es.StoredEvent, error) {
	events, err := s.EventStore.GetStream(ctx, streamID)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		s.onLoad()
	}
	return events, err
}

func TestPublisher_CancelDuringClaimWins(t *testing.T) {
	store := newMemStore(t)
	racing := &cancelAfterLoad{EventStore: store}
	clock := &movableClock{}
	svc := newTestService(t, racing, clock.Now)

	rm := NewMemReadModel()
	projector := es.NewProjector(store, NewPostsProjection(rm, nil))
	require.NoError(t, projector.Start(t.Context()))
	t.Cleanup(projector.Stop)

	postID, _, err := svc.SchedulePost(t.Context(), orgID, SchedulePost{
		Content:      "race me",
		ScheduledFor: clock.Now().Add(time.Minute),
		UserID:       userID,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := rm.Get(t.Context(), postID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	racing.onLoad = func() {
		_, err := svc.CancelPost(t.Context(), orgID, CancelPost{PostID: postID, Reason: "changed my mind", UserID: userID})
		require.NoError(t, err)
	}
	racing.armed.Store(true)

	poster := &fakePoster{fails: map[string]error{}}
	pub := NewPublisher(svc, rm, poster, PublisherConfig{Now: clock.Now})
	clock.Advance(time.Hour)

	n, err := pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, poster.count())

	events, err := store.GetStream(t.Context(), orgID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	require.Equal(t, []string{EventPostScheduled, EventPostCancelled}, types)
}

func TestPublisher_StartRunsImmediately(t *testing.T) {
	f := newPublisherFixture(t)
	postID := f.schedule(t, "now-ish", time.Minute)
	f.settle(t)
	f.clock.Advance(time.Hour)

	require.NoError(t, f.pub.Start(t.Context()))
	require.Error(t, f.pub.Start(t.Context()))

	require.Eventually(t, func() bool { return f.poster.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.pub.Stop()
	f.pub.Stop()

	tl, err := f.svc.Timeline(t.Context(), orgID)
	require.NoError(t, err)
	post, _ := tl.Post(postID)
	require.Equal(t, StatusPublished, post.Status)
}

func TestPublisher_InvalidSchedule(t *testing.T) {
	f := newPublisherFixture(t)
	pub := NewPublisher(f.svc, f.rm, f.poster, PublisherConfig{Schedule: "not a schedule"})
	require.Error(t, pub.Start(t.Context()))
}

func TestDryRunPoster(t *testing.T) {
	res, err := DryRunPoster{Now: fixedClock()}.Publish(t.Context(), PostRow{ID: "p-1", OrganizationID: orgID})
	require.NoError(t, err)
	require.Equal(t, "dry-run-p-1", res.TweetID)
	require.True(t, testNow.Equal(res.PublishedAt))
}

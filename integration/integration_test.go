package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/adapters/nats"
	"github.com/screeem/screeem/adapters/prometheus"
	"github.com/screeem/screeem/adapters/sqlite"
	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/timeline"
)

type process struct {
	store *sqlite.Store
	svc   *timeline.Service
	rm    timeline.ReadModel
	proj  *es.Projector
}

func startProcess(t *testing.T, path string, opts ...es.StoreOption) *process {
	t.Helper()
	db, err := sqlite.Open(t.Context(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := &process{store: sqlite.NewStore(db, opts...), rm: sqlite.NewPostsReadModel(db)}
	t.Cleanup(func() { _ = p.store.Close() })

	p.svc = timeline.NewService(p.store)
	t.Cleanup(p.svc.Close)

	p.proj = es.NewProjector(p.store, timeline.NewPostsProjection(p.rm, nil),
		es.WithCursorStore(sqlite.NewCursorStore(db)),
		es.WithProjectedStreamTypes(timeline.StreamType),
	)
	require.NoError(t, p.proj.Start(t.Context()))
	t.Cleanup(p.proj.Stop)
	return p
}

func waitForStatus(t *testing.T, rm timeline.ReadModel, postID string, status timeline.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := rm.Get(t.Context(), postID)
		return err == nil && row.Status == status
	}, 10*time.Second, 10*time.Millisecond)
}

// A post goes from scheduled to published on one SQLite backed process, and
// the store, projector and publisher report through Prometheus.
func TestIntegration_ScheduleToPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := prometheus.NewESMetrics(reg)
	p := startProcess(t, filepath.Join(t.TempDir(), "screeem.db"), es.WithMetrics(m))

	postID, _, err := p.svc.SchedulePost(t.Context(), "org-1", timeline.SchedulePost{
		Content:      "launch day",
		ScheduledFor: time.Now().Add(time.Hour),
		UserID:       "user-1",
	})
	require.NoError(t, err)
	waitForStatus(t, p.rm, postID, timeline.StatusScheduled)

	pub := timeline.NewPublisher(p.svc, p.rm, timeline.DryRunPoster{}, timeline.PublisherConfig{
		Now:     func() time.Time { return time.Now().Add(2 * time.Hour) },
		Metrics: prometheus.NewPublisherMetrics(reg),
	})
	n, err := pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	waitForStatus(t, p.rm, postID, timeline.StatusPublished)

	events, err := p.store.GetStream(t.Context(), "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{
		timeline.EventPostScheduled,
		timeline.EventPostPublishing,
		timeline.EventPostPublished,
	}, eventTypes(events))
	require.Equal(t, timeline.SystemUserID, events[2].Metadata.UserID)

	require.Positive(t, testutil.CollectAndCount(reg, "screeem_es_events_appended_total"))
	require.Positive(t, testutil.CollectAndCount(reg, "screeem_publisher_posts_total"))
}

// Two processes share one SQLite file and exchange notifications over
// NATS. A post scheduled by the first is published by the second, and the
// first one's read model follows.
func TestIntegration_TwoProcessesOverNats(t *testing.T) {
	url := nats.NewTestServerURL(t)
	path := filepath.Join(t.TempDir(), "shared.db")

	newBus := func() *nats.Bus {
		bus, err := nats.NewBus(nats.BusConfig{Connect: nats.ConnectURL(url, nil)})
		require.NoError(t, err)
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	}
	a := startProcess(t, path, es.WithNotifier(newBus()))
	// b keeps its posts in memory so it only learns about a's commits
	// through the bus
	bDB, err := sqlite.Open(t.Context(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bDB.Close() })
	bStore := sqlite.NewStore(bDB, es.WithNotifier(newBus()))
	t.Cleanup(func() { _ = bStore.Close() })
	bSvc := timeline.NewService(bStore)
	t.Cleanup(bSvc.Close)
	bRM := timeline.NewMemReadModel()
	bProj := es.NewProjector(bStore, timeline.NewPostsProjection(bRM, nil), es.WithProjectedStreamTypes(timeline.StreamType))
	require.NoError(t, bProj.Start(t.Context()))
	t.Cleanup(bProj.Stop)

	postID, _, err := a.svc.SchedulePost(t.Context(), "org-1", timeline.SchedulePost{
		Content:      "from a",
		ScheduledFor: time.Now().Add(time.Hour),
		UserID:       "user-1",
	})
	require.NoError(t, err)
	waitForStatus(t, bRM, postID, timeline.StatusScheduled)

	pub := timeline.NewPublisher(bSvc, bRM, timeline.DryRunPoster{}, timeline.PublisherConfig{
		Now: func() time.Time { return time.Now().Add(2 * time.Hour) },
	})
	n, err := pub.RunOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waitForStatus(t, a.rm, postID, timeline.StatusPublished)
	row, err := a.rm.Get(t.Context(), postID)
	require.NoError(t, err)
	require.Equal(t, "dry-run-"+postID, row.TweetID)
}

func eventTypes(events []es.StoredEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

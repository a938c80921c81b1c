// Package estests holds the behaviour every es.EventStore has to show. Each
// backend runs RunStoreSuite from its own tests.
package estests

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
)

const (
	TimelineStreamType = "timeline"
	OtherStreamType    = "other"
)

// Factory returns a store for one subtest. Stores may share a backend;
// every subtest works on fresh stream ids. The suite closes the store.
type Factory func(t *testing.T) es.EventStore

// RunStoreSuite runs the shared event store behaviour against newStore.
func RunStoreSuite(t *testing.T, newStore Factory) {
	run := func(name string, fn func(t *testing.T, s es.EventStore)) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}

	run("first append then stale append", testFirstAppendThenStale)
	run("concurrent appends at the same version", testConcurrentSameVersion)
	run("gap-free stream sequences under contention", testGapFreeUnderContention)
	run("multi event append", testMultiEventAppend)
	run("append unconditional", testAppendUnconditional)
	run("append validation", testAppendValidation)
	run("round trip", testRoundTrip)
	run("get stream", testGetStream)
	run("get stream from sequence", testGetStreamFromSequence)
	run("event history paging", testEventHistory)
	run("get all", testGetAll)
	run("subscribe", testSubscribe)
	run("subscribe filters", testSubscribeFilters)
	run("unsubscribe", testUnsubscribe)
}

// NewStreamID returns a unique stream id.
func NewStreamID(prefix string) string { return prefix + "-" + uuid.NewString() }

// Meta is the metadata used by the suite.
func Meta() es.Metadata { return es.NewMetadata("user-1") }

type postScheduled struct {
	PostID       string    `json:"postId"`
	Content      string    `json:"content"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// PostScheduled returns a sample event.
func PostScheduled(postID string) es.Event {
	return es.MustEvent("PostScheduled", postScheduled{
		PostID:       postID,
		Content:      "hi",
		ScheduledFor: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

// Events returns n sample events.
func Events(n int) []es.Event {
	out := make([]es.Event, n)
	for i := range out {
		out[i] = PostScheduled(uuid.NewString())
	}
	return out
}

func appendN(t *testing.T, s es.EventStore, streamID string, n int) []es.StoredEvent {
	t.Helper()
	stored, err := s.Append(t.Context(), streamID, TimelineStreamType, Events(n), 0, Meta())
	require.NoError(t, err)
	require.Len(t, stored, n)
	return stored
}

func streamSequences(events []es.StoredEvent) []es.Version {
	out := make([]es.Version, len(events))
	for i, ev := range events {
		out[i] = ev.StreamSequence
	}
	return out
}

func versions(from, to int) []es.Version {
	var out []es.Version
	for v := from; v <= to; v++ {
		out = append(out, es.Version(v))
	}
	return out
}

func testFirstAppendThenStale(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")

	stored, err := s.Append(t.Context(), streamID, TimelineStreamType, []es.Event{PostScheduled("p1")}, 0, Meta())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, es.Version(1), stored[0].StreamSequence)

	_, err = s.Append(t.Context(), streamID, TimelineStreamType, []es.Event{PostScheduled("p2")}, 0, Meta())
	require.Error(t, err)
	require.True(t, es.IsConflict(err))

	var cc *es.ConcurrencyConflictError
	require.ErrorAs(t, err, &cc)
	require.Equal(t, es.Version(0), cc.Expected)
	require.Equal(t, es.Version(1), cc.Current)
	require.Equal(t, streamID, cc.StreamID)

	events, err := s.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func testConcurrentSameVersion(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	appendN(t, s, streamID, 5)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts []*es.ConcurrencyConflictError
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Append(t.Context(), streamID, TimelineStreamType, []es.Event{PostScheduled(uuid.NewString())}, 5, Meta())

			mu.Lock()
			defer mu.Unlock()
			var cc *es.ConcurrencyConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &cc):
				conflicts = append(conflicts, cc)
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	require.Equal(t, 1, successes)
	require.Len(t, conflicts, writers-1)
	for _, cc := range conflicts {
		assert.Equal(t, es.Version(5), cc.Expected)
		assert.Equal(t, es.Version(6), cc.Current)
	}

	events, err := s.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, versions(1, 6), streamSequences(events))
}

func testGapFreeUnderContention(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")

	const (
		writers   = 6
		perWriter = 4
	)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for committed := 0; committed < perWriter; {
				events, err := s.GetStream(t.Context(), streamID)
				if err != nil {
					errs <- err
					return
				}
				var current es.Version
				if len(events) > 0 {
					current = events[len(events)-1].StreamSequence
				}
				_, err = s.Append(t.Context(), streamID, TimelineStreamType, Events(1), current, Meta())
				switch {
				case err == nil:
					committed++
				case es.IsConflict(err):
				default:
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, versions(1, writers*perWriter), streamSequences(events))

	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func testMultiEventAppend(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	appendN(t, s, streamID, 2)

	stored, err := s.Append(t.Context(), streamID, TimelineStreamType, Events(3), 2, Meta())
	require.NoError(t, err)
	require.Equal(t, versions(3, 5), streamSequences(stored))

	ids := map[string]struct{}{}
	for i, ev := range stored {
		ids[ev.ID] = struct{}{}
		if i > 0 {
			require.Greater(t, ev.Sequence, stored[i-1].Sequence)
		}
	}
	require.Len(t, ids, 3)
}

func testAppendUnconditional(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	appendN(t, s, streamID, 3)

	stored, err := s.AppendUnconditional(t.Context(), streamID, TimelineStreamType, Events(2), es.NewMetadata("system"))
	require.NoError(t, err)
	require.Equal(t, versions(4, 5), streamSequences(stored))

	// the next conditional append has to know about them
	_, err = s.Append(t.Context(), streamID, TimelineStreamType, Events(1), 3, Meta())
	require.True(t, es.IsConflict(err))

	stored, err = s.Append(t.Context(), streamID, TimelineStreamType, Events(1), 5, Meta())
	require.NoError(t, err)
	require.Equal(t, es.Version(6), stored[0].StreamSequence)
}

func testAppendValidation(t *testing.T, s es.EventStore) {
	ctx := t.Context()
	streamID := NewStreamID("org")

	_, err := s.Append(ctx, "", TimelineStreamType, Events(1), 0, Meta())
	require.True(t, es.IsValidation(err), "empty stream id: %v", err)

	_, err = s.Append(ctx, streamID, "", Events(1), 0, Meta())
	require.True(t, es.IsValidation(err), "empty stream type: %v", err)

	_, err = s.Append(ctx, streamID, TimelineStreamType, nil, 0, Meta())
	require.ErrorIs(t, err, es.ErrNoEvents)

	_, err = s.Append(ctx, streamID, TimelineStreamType, Events(1), 0, es.Metadata{})
	require.True(t, es.IsValidation(err), "missing user: %v", err)

	_, err = s.Append(ctx, streamID, TimelineStreamType, []es.Event{{Type: " "}}, 0, Meta())
	require.True(t, es.IsValidation(err), "empty event type: %v", err)

	events, err := s.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func testRoundTrip(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	ts := time.Date(2029, 6, 1, 12, 0, 0, 0, time.UTC)
	meta := es.Metadata{UserID: "user-7", Timestamp: ts, CorrelationID: "corr-1"}

	ev := PostScheduled("p1")
	stored, err := s.Append(t.Context(), streamID, TimelineStreamType, []es.Event{ev}, 0, meta)
	require.NoError(t, err)

	loaded, err := s.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	require.Equal(t, stored[0].ID, got.ID)
	require.NotEmpty(t, got.ID)
	require.Equal(t, streamID, got.StreamID)
	require.Equal(t, TimelineStreamType, got.StreamType)
	require.Equal(t, "PostScheduled", got.EventType)
	require.Equal(t, es.CurrentEventVersion, got.EventVersion)
	require.JSONEq(t, string(ev.Payload), string(got.Payload))
	require.Equal(t, "user-7", got.Metadata.UserID)
	require.Equal(t, "corr-1", got.Metadata.CorrelationID)
	require.True(t, ts.Equal(got.Metadata.Timestamp), "timestamp %s", got.Metadata.Timestamp)
	require.Equal(t, stored[0].Sequence, got.Sequence)
	require.Equal(t, es.Version(1), got.StreamSequence)
	require.False(t, got.CreatedAt.IsZero())

	var p postScheduled
	require.NoError(t, got.Decode(&p))
	require.Equal(t, "p1", p.PostID)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	require.Contains(t, string(data), `"streamSequence":1`)
}

func testGetStream(t *testing.T, s es.EventStore) {
	events, err := s.GetStream(t.Context(), NewStreamID("missing"))
	require.NoError(t, err)
	require.Empty(t, events)

	streamID := NewStreamID("org")
	appendN(t, s, streamID, 3)
	appendN(t, s, NewStreamID("org"), 2)

	events, err = s.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, versions(1, 3), streamSequences(events))
	for _, ev := range events {
		require.Equal(t, streamID, ev.StreamID)
	}
}

func testGetStreamFromSequence(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	appendN(t, s, streamID, 5)

	events, err := s.GetStreamFromSequence(t.Context(), streamID, 3)
	require.NoError(t, err)
	require.Equal(t, versions(3, 5), streamSequences(events))

	events, err = s.GetStreamFromSequence(t.Context(), streamID, 6)
	require.NoError(t, err)
	require.Empty(t, events)
}

func testEventHistory(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	appendN(t, s, streamID, 5)

	h, err := s.GetEventHistory(t.Context(), streamID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 5, h.Total)
	require.Equal(t, []es.Version{5, 4}, streamSequences(h.Events))

	h, err = s.GetEventHistory(t.Context(), streamID, 3, 2)
	require.NoError(t, err)
	require.Equal(t, []es.Version{1}, streamSequences(h.Events))

	h, err = s.GetEventHistory(t.Context(), streamID, 4, 2)
	require.NoError(t, err)
	require.Equal(t, 5, h.Total)
	require.Empty(t, h.Events)

	// offsets beyond int range read as past the end
	h, err = s.GetEventHistory(t.Context(), streamID, 4, 6148914691236517205)
	require.NoError(t, err)
	require.Equal(t, 5, h.Total)
	require.Empty(t, h.Events)

	h, err = s.GetEventHistory(t.Context(), streamID, math.MaxInt, 2)
	require.NoError(t, err)
	require.Empty(t, h.Events)

	h, err = s.GetEventHistory(t.Context(), streamID, 1, math.MaxInt)
	require.NoError(t, err)
	require.Equal(t, []es.Version{5, 4, 3, 2, 1}, streamSequences(h.Events))

	// defaults: page 1, 50 per page
	h, err = s.GetEventHistory(t.Context(), streamID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []es.Version{5, 4, 3, 2, 1}, streamSequences(h.Events))

	h, err = s.GetEventHistory(t.Context(), NewStreamID("missing"), 1, 10)
	require.NoError(t, err)
	require.Equal(t, 0, h.Total)
	require.Empty(t, h.Events)
}

func testGetAll(t *testing.T, s es.EventStore) {
	a, b := NewStreamID("org"), NewStreamID("org")
	first := appendN(t, s, a, 2)
	appendN(t, s, b, 2)
	_, err := s.Append(t.Context(), a, TimelineStreamType, Events(1), 2, Meta())
	require.NoError(t, err)

	after := first[0].Sequence - 1

	var ours []es.StoredEvent
	cursor := after
	for {
		page, err := s.GetAll(t.Context(), cursor, 2)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page), 2)
		for i, ev := range page {
			require.Greater(t, ev.Sequence, cursor)
			if i > 0 {
				require.Greater(t, ev.Sequence, page[i-1].Sequence)
			}
			if ev.StreamID == a || ev.StreamID == b {
				ours = append(ours, ev)
			}
		}
		if len(page) < 2 {
			break
		}
		cursor = page[len(page)-1].Sequence
	}

	require.Len(t, ours, 5)
	var order []string
	for _, ev := range ours {
		order = append(order, ev.StreamID)
	}
	require.Equal(t, []string{a, a, b, b, a}, order)

	page, err := s.GetAll(t.Context(), ours[len(ours)-1].Sequence, 10)
	require.NoError(t, err)
	for _, ev := range page {
		require.NotEqual(t, a, ev.StreamID)
	}
}

// Collect subscribes and forwards every delivered event to a channel.
func Collect(t *testing.T, s es.Stream, opts ...es.SubscribeOption) (<-chan es.StoredEvent, es.Unsubscribe) {
	t.Helper()
	ch := make(chan es.StoredEvent, 1024)
	unsub, err := s.Subscribe(t.Context(), func(_ context.Context, ev es.StoredEvent) {
		ch <- ev
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(unsub)
	return ch, unsub
}

// Receive reads n events from ch or fails after timeout.
func Receive(t *testing.T, ch <-chan es.StoredEvent, n int, timeout time.Duration) []es.StoredEvent {
	t.Helper()
	var out []es.StoredEvent
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

// ReceiveNone fails if anything arrives on ch within wait.
func ReceiveNone(t *testing.T, ch <-chan es.StoredEvent, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s (%s)", ev.ID, ev.StreamID)
	case <-time.After(wait):
	}
}

func onlyStream(ch <-chan es.StoredEvent, streamID string) <-chan es.StoredEvent {
	out := make(chan es.StoredEvent, cap(ch))
	go func() {
		for ev := range ch {
			if ev.StreamID == streamID {
				out <- ev
			}
		}
	}()
	return out
}

func testSubscribe(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	ch, _ := Collect(t, s, es.WithFilters(es.SubscribeFilter{StreamID: streamID}))

	stored := appendN(t, s, streamID, 3)
	more, err := s.Append(t.Context(), streamID, TimelineStreamType, Events(2), 3, Meta())
	require.NoError(t, err)
	stored = append(stored, more...)

	got := Receive(t, ch, 5, 5*time.Second)
	require.Equal(t, versions(1, 5), streamSequences(got))
	for i, ev := range got {
		require.Equal(t, stored[i].ID, ev.ID)
		require.Equal(t, stored[i].Sequence, ev.Sequence)
		require.JSONEq(t, string(stored[i].Payload), string(ev.Payload))
		require.Equal(t, "user-1", ev.Metadata.UserID)
	}
}

func testSubscribeFilters(t *testing.T, s es.EventStore) {
	timeline, other := NewStreamID("org"), NewStreamID("misc")

	byType, _ := Collect(t, s, es.WithStreamTypes(OtherStreamType))
	all, _ := Collect(t, s)

	appendN(t, s, timeline, 1)
	_, err := s.Append(t.Context(), other, OtherStreamType, Events(1), 0, Meta())
	require.NoError(t, err)

	got := Receive(t, onlyStream(byType, other), 1, 5*time.Second)
	require.Equal(t, OtherStreamType, got[0].StreamType)

	mine := make(chan es.StoredEvent, 16)
	go func() {
		for ev := range all {
			if ev.StreamID == timeline || ev.StreamID == other {
				mine <- ev
			}
		}
	}()
	Receive(t, mine, 2, 5*time.Second)
}

func testUnsubscribe(t *testing.T, s es.EventStore) {
	streamID := NewStreamID("org")
	ch, unsub := Collect(t, s, es.WithFilters(es.SubscribeFilter{StreamID: streamID}))

	appendN(t, s, streamID, 1)
	Receive(t, ch, 1, 5*time.Second)

	unsub()
	unsub()

	_, err := s.Append(t.Context(), streamID, TimelineStreamType, Events(1), 1, Meta())
	require.NoError(t, err)
	ReceiveNone(t, ch, 300*time.Millisecond)
}

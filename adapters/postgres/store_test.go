package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/es/estests"
)

func TestStore(t *testing.T) {
	pool := NewTestPool(t)
	estests.RunStoreSuite(t, func(t *testing.T) es.EventStore {
		s := NewStore(pool)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(t.Context(), Config{DSN: "postgres://%zz"})
	require.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := NewTestPool(t)
	require.NoError(t, Migrate(t.Context(), pool))

	for _, table := range []string{"events", "subscription_cursors", "scheduled_posts"} {
		var n int64
		require.NoError(t, pool.QueryRowEx(t.Context(), `SELECT COUNT(*) FROM `+table, nil).Scan(&n))
	}
}

// Two pools stand in for two processes. The advisory lock and the unique
// (stream_id, stream_sequence) index keep the stream gap free, and a
// subscriber on one pool sees commits made through the other.
func TestStore_TwoProcesses(t *testing.T) {
	dsn := NewTestDSN(t)
	open := func() *Store {
		pool, err := Open(t.Context(), Config{DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		s := NewStore(pool)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a, b := open(), open()
	streamID := estests.NewStreamID("org")

	ch, unsub := estests.Collect(t, a, es.WithFilters(es.SubscribeFilter{StreamID: streamID}))
	defer unsub()

	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for committed := 0; committed < 10; {
				events, err := s.GetStream(t.Context(), streamID)
				if err != nil {
					continue
				}
				_, err = s.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(1), es.Version(len(events)), estests.Meta())
				if err == nil {
					committed++
					continue
				}
				if !es.IsConflict(err) {
					t.Errorf("append: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	events, err := b.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		require.Equal(t, es.Version(i+1), ev.StreamSequence)
	}

	received := estests.Receive(t, ch, 20, 10*time.Second)
	for i, ev := range received {
		require.Equal(t, events[i].ID, ev.ID)
	}

	// global sequence follows commit order
	all, err := a.GetAll(t.Context(), 0, 100)
	require.NoError(t, err)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].Sequence, all[i-1].Sequence)
	}
}

func TestStore_UnsubscribeFromCallback(t *testing.T) {
	s := NewStore(NewTestPool(t))
	t.Cleanup(func() { _ = s.Close() })

	var (
		mu    sync.Mutex
		calls int
		unsub es.Unsubscribe
	)
	ready := make(chan struct{})
	unsub, err := s.Subscribe(t.Context(), func(_ context.Context, _ es.StoredEvent) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		unsub()
	})
	require.NoError(t, err)
	close(ready)

	streamID := estests.NewStreamID("org")
	_, err = s.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(1), 0, estests.Meta())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(1), 1, estests.Meta())
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestStore_ClosedStore(t *testing.T) {
	s := NewStore(NewTestPool(t))
	_, err := s.Subscribe(t.Context(), func(context.Context, es.StoredEvent) {})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Append(t.Context(), "org-1", estests.TimelineStreamType, estests.Events(1), 0, estests.Meta())
	require.ErrorIs(t, err, es.ErrClosed)
	_, err = s.Subscribe(t.Context(), func(context.Context, es.StoredEvent) {})
	require.ErrorIs(t, err, es.ErrClosed)
}

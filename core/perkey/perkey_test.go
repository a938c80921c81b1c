package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (q *Queue[K]) tail(key K) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tails[key]
}

// startInOrder launches n calls for key, each one only after the previous
// call holds its ticket. The first call waits until all n are queued.
func startInOrder(q *Queue[string], key string, n int, fn func(i int)) *sync.WaitGroup {
	queued := make(chan struct{})
	var wg sync.WaitGroup
	for i := range n {
		before := q.tail(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(key, func() error {
				if i == 0 {
					<-queued
				}
				fn(i)
				return nil
			})
		}()
		for q.tail(key) == before {
			time.Sleep(100 * time.Microsecond)
		}
	}
	close(queued)
	return &wg
}

func TestQueue_FIFOPerKey(t *testing.T) {
	q := New[string]()
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	wg := startInOrder(q, "org-1", 5, func(i int) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	})
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_OneAtATimePerKey(t *testing.T) {
	q := New[string]()
	defer q.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do("org-1", func() error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
}

func TestQueue_KeysRunInParallel(t *testing.T) {
	q := New[string]()
	defer q.Close()

	release := make(chan struct{})
	var entered sync.WaitGroup
	var wg sync.WaitGroup
	for _, key := range []string{"org-1", "org-2", "org-3"} {
		entered.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(key, func() error {
				entered.Done()
				<-release
				return nil
			})
		}()
	}

	// all three are inside fn at once
	entered.Wait()
	require.Equal(t, 3, q.Len())
	close(release)
	wg.Wait()
}

func TestQueue_ReturnsError(t *testing.T) {
	q := New[string]()
	defer q.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, q.Do("org-1", func() error { return boom }), boom)
	require.NoError(t, q.Do("org-1", func() error { return nil }))
}

func TestQueue_KeyForgottenWhenIdle(t *testing.T) {
	q := New[int]()
	defer q.Close()

	for i := range 50 {
		require.NoError(t, q.Do(i, func() error { return nil }))
	}
	require.Equal(t, 0, q.Len())
}

func TestQueue_DoContext_AlreadyCancelled(t *testing.T) {
	q := New[string]()
	defer q.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := q.DoContext(ctx, "org-1", func() error {
		t.Error("fn must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, q.Len())
}

func TestQueue_DoContext_GivesUpWaiting(t *testing.T) {
	q := New[string]()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do("org-1", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := q.DoContext(ctx, "org-1", func() error {
		t.Error("fn must not run")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a later call still runs after the first one is done
	ran := make(chan struct{})
	go func() {
		_ = q.Do("org-1", func() error { close(ran); return nil })
	}()
	close(release)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queue stalled behind a cancelled call")
	}
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_Close_RejectsNewCalls(t *testing.T) {
	q := New[string]()
	q.Close()

	require.ErrorIs(t, q.Do("org-1", func() error { return nil }), ErrClosed)
}

func TestQueue_Close_WaitsForAccepted(t *testing.T) {
	q := New[string]()

	var executed atomic.Int32
	wg := startInOrder(q, "org-1", 5, func(int) {
		time.Sleep(5 * time.Millisecond)
		executed.Add(1)
	})

	q.Close()
	assert.Equal(t, int32(5), executed.Load())
	wg.Wait()
}

func TestQueue_Close_Idempotent(t *testing.T) {
	q := New[string]()
	q.Close()
	q.Close()
}

package sf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroup_DeduplicatesConcurrentCalls(t *testing.T) {
	g := New[string]()

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := g.Do("evt-1", func() (string, error) {
				calls.Add(1)
				<-release
				return "row", nil
			})
			require.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, "row", r)
	}
}

func TestGroup_Error(t *testing.T) {
	g := New[int]()
	boom := errors.New("boom")

	v, _, err := g.Do("k", func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, v)

	v, _, err = g.Do("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestGroup_DoContext_OutlivesTheFirstCaller(t *testing.T) {
	g := New[string]()

	var calls atomic.Int32
	fetchCtx := make(chan context.Context, 1)
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		fetchCtx <- ctx
		<-release
		return "row", ctx.Err()
	}

	first, cancel := context.WithCancel(t.Context())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := g.DoContext(first, "evt-1", time.Second, fn)
		firstErr <- err
	}()
	ctx := <-fetchCtx

	second := make(chan string, 1)
	go func() {
		v, _, err := g.DoContext(t.Context(), "evt-1", time.Second, fn)
		require.NoError(t, err)
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, ctx.Err())

	close(release)
	select {
	case v := <-second:
		require.Equal(t, "row", v)
	case <-time.After(time.Second):
		t.Fatal("shared call did not finish")
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestGroup_DoContext_Timeout(t *testing.T) {
	g := New[string]()

	_, _, err := g.DoContext(t.Context(), "evt-1", 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

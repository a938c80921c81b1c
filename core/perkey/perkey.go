// Package perkey serializes work per key while letting different keys run
// in parallel. The command path uses it to run commands for the same stream
// one after another inside a process.
//
// Every call takes a ticket: it waits for the previous ticket of its key to
// finish and runs in the caller's goroutine. No goroutines are kept per
// key, and a key is forgotten as soon as its last ticket is done.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when Do is called on a closed Queue.
var ErrClosed = errors.New("perkey queue is closed")

// Queue runs functions so that for any key they execute one at a time, in
// the order Do was called.
type Queue[K comparable] struct {
	mu     sync.Mutex
	tails  map[K]chan struct{}
	closed bool
	active sync.WaitGroup
}

func New[K comparable]() *Queue[K] {
	return &Queue[K]{tails: make(map[K]chan struct{})}
}

// Do runs fn once every earlier call for key has returned.
func (q *Queue[K]) Do(key K, fn func() error) error {
	return q.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but gives up waiting when ctx is done. fn is not
// called in that case; later calls for key are not held up by it.
func (q *Queue[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.active.Add(1)
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// hand the slot on once the predecessor finishes
			go func() {
				<-prev
				q.finish(key, done)
			}()
			return ctx.Err()
		}
	}

	defer q.finish(key, done)
	return fn()
}

func (q *Queue[K]) finish(key K, done chan struct{}) {
	q.mu.Lock()
	if q.tails[key] == done {
		delete(q.tails, key)
	}
	q.mu.Unlock()
	close(done)
	q.active.Done()
}

// Len returns the number of keys with a call waiting or running.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

// Close rejects new calls and waits for the accepted ones to finish.
func (q *Queue[K]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.active.Wait()
}

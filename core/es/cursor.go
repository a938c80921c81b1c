package es

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/screeem/screeem/ports/kv"
)

// CursorStore persists the global sequence up to which a projector has
// handled events, keyed by projector name.
type CursorStore interface {
	// Get returns 0 for a name that was never set.
	Get(ctx context.Context, name string) (uint64, error)
	Set(ctx context.Context, name string, seq uint64) error
}

type InMemCursorStore struct {
	mu sync.RWMutex
	m  map[string]uint64
}

func NewInMemCursorStore() *InMemCursorStore {
	return &InMemCursorStore{m: map[string]uint64{}}
}

func (s *InMemCursorStore) Get(_ context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[name], nil
}

func (s *InMemCursorStore) Set(_ context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = seq
	return nil
}

// KVCursorStore keeps cursors in a kv.Store under "<prefix><name>".
type KVCursorStore struct {
	kv     kv.Store
	prefix string
}

func NewKVCursorStore(store kv.Store, prefix string) *KVCursorStore {
	return &KVCursorStore{kv: store, prefix: prefix}
}

type kvCursor struct {
	Sequence uint64 `json:"sequence"`
}

func (s *KVCursorStore) Get(ctx context.Context, name string) (uint64, error) {
	c, err := kv.GetJSON[kvCursor](ctx, s.kv, s.prefix+name)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return c.Sequence, nil
}

func (s *KVCursorStore) Set(ctx context.Context, name string, seq uint64) error {
	if err := kv.PutJSON(ctx, s.kv, s.prefix+name, kvCursor{Sequence: seq}, kv.PutOptions{}); err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}

var (
	_ CursorStore = (*InMemCursorStore)(nil)
	_ CursorStore = (*KVCursorStore)(nil)
)

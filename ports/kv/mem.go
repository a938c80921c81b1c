package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	rev       uint64
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore keeps entries in a map. Expired keys read as missing and are
// dropped on the next write to the store.
type MemStore struct {
	mu   sync.Mutex
	now  func() time.Time
	rev  uint64
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return NewMemStoreWithClock(time.Now)
}

func NewMemStoreWithClock(now func() time.Time) *MemStore {
	return &MemStore{now: now, data: map[string]memEntry{}}
}

func (m *MemStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired(m.now()) {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: append([]byte(nil), e.value...), Revision: e.rev}, nil
}

func (m *MemStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}

	m.rev++
	e := memEntry{value: append([]byte(nil), value...), rev: m.rev}
	if opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}
	m.data[key] = e
	return e.rev, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of keys held, expired or not.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

var _ Store = (*MemStore)(nil)

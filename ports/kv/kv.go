// Package kv is a small key-value port. Projector cursors are kept in it
// when no SQL store is available.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Entry is a stored value. Revision grows with every write to the key and
// is zero for stores that do not track it.
type Entry struct {
	Value    []byte
	Revision uint64
}

type PutOptions struct {
	// TTL expires the key after the given duration. Zero keeps it.
	TTL time.Duration
}

type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value and returns the new revision of key.
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// PutJSON encodes v as JSON and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.Put(ctx, key, data, opts)
	return err
}

// GetJSON reads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	e, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(e.Value, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

package cache

import "time"

// Cache maps string keys to values. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

// PutOption adjusts a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	ttl time.Duration
}

// WithTTL expires the entry after ttl. Zero keeps it until it is evicted.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = ttl }
}

func collectPutOptions(opts []PutOption) putOptions {
	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

// Typed is a view of a Cache holding values of type V. An entry of another
// type under the same key reads as a miss.
type Typed[V any] struct {
	c Cache
}

func NewTyped[V any](c Cache) Typed[V] { return Typed[V]{c: c} }

func (t Typed[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := t.c.Get(key)
	if !ok {
		return zero, false
	}
	out, ok := v.(V)
	if !ok {
		return zero, false
	}
	return out, true
}

func (t Typed[V]) Put(key string, val V, opts ...PutOption) { t.c.Put(key, val, opts...) }
func (t Typed[V]) Delete(key string)                       { t.c.Delete(key) }

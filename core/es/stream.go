package es

import (
	"context"

	"github.com/screeem/screeem/core/ds"
)

// SubscribeFilter narrows a subscription. Empty fields match everything.
// Multiple filters are OR-ed.
type SubscribeFilter struct {
	StreamType string
	StreamID   string
}

type SubscribeOpts struct {
	filters []SubscribeFilter
}

func (s *SubscribeOpts) Filters() []SubscribeFilter { return s.filters }

// Match reports whether ev passes the filters of the subscription.
func (s *SubscribeOpts) Match(ev StoredEvent) bool { return matchFilters(ev, s.filters) }

// StreamTypes returns the distinct stream types the filters restrict to, or
// nil if any filter accepts every stream type.
func (s *SubscribeOpts) StreamTypes() []string {
	types := ds.NewSet[string]()
	for _, f := range s.filters {
		if f.StreamType == "" {
			return nil
		}
		types.Add(f.StreamType)
	}
	return types.Values()
}

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	var options SubscribeOpts
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.filters = append(opts.filters, filters...)
	}
}

func WithStreamTypes(streamTypes ...string) SubscribeOption {
	return func(opts *SubscribeOpts) {
		for _, st := range streamTypes {
			opts.filters = append(opts.filters, SubscribeFilter{StreamType: st})
		}
	}
}

// Callback receives committed events. ctx is cancelled once the
// subscription ends.
type Callback func(ctx context.Context, ev StoredEvent)

// Unsubscribe ends a subscription. It is safe to call more than once.
type Unsubscribe func()

// Stream is the subscribe half of an EventStore.
type Stream interface {
	Subscribe(ctx context.Context, cb Callback, opts ...SubscribeOption) (Unsubscribe, error)
}

func matchFilters(ev StoredEvent, filters []SubscribeFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if matchFilter(ev, f) {
			return true
		}
	}
	return false
}

func matchFilter(ev StoredEvent, filter SubscribeFilter) bool {
	if filter.StreamType != "" && ev.StreamType != filter.StreamType {
		return false
	}
	if filter.StreamID != "" && ev.StreamID != filter.StreamID {
		return false
	}
	return true
}

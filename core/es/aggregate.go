package es

import (
	"encoding/json"
	"fmt"
)

// handler folds one event type. decode has no side effects, so a batch can
// be fully decoded before any of it is applied.
type handler struct {
	decode func(payload json.RawMessage) (any, error)
	apply  func(v any, meta Metadata)
}

// Aggregate is an in-memory view of one stream that validates commands and
// produces new events.
//
// The lifecycle is:
//  1. construct an empty instance for a stream id
//  2. LoadFromHistory folds the persisted events
//  3. command methods call Raise, which folds and buffers new events
//  4. the events are appended with ExpectedVersion and MarkEventsCommitted
//     clears the buffer
type Aggregate interface {
	GetID() string
	GetStreamType() string
	// GetVersion is the stream sequence of the last folded event, including
	// raised ones.
	GetVersion() Version
	// ExpectedVersion is the version before the current command's raises.
	ExpectedVersion() Version
	LoadFromHistory(events []StoredEvent) error
	UncommittedEvents() []Event
	MarkEventsCommitted()
}

// BaseAggregate is embedded by concrete aggregates. It owns the event type
// to fold handler table, the version and the uncommitted buffer.
type BaseAggregate struct {
	id          string
	streamType  string
	version     Version
	uncommitted []Event
	handlers    map[string]handler
}

func (b *BaseAggregate) Init(id, streamType string) {
	b.id = id
	b.streamType = streamType
}

func (b *BaseAggregate) GetID() string         { return b.id }
func (b *BaseAggregate) GetStreamType() string { return b.streamType }
func (b *BaseAggregate) GetVersion() Version   { return b.version }
func (b *BaseAggregate) MarkEventsCommitted()  { b.uncommitted = nil }
func (b *BaseAggregate) ExpectedVersion() Version {
	return b.version - Version(len(b.uncommitted))
}

// UncommittedEvents returns a copy of the events raised since the last commit.
func (b *BaseAggregate) UncommittedEvents() []Event {
	out := make([]Event, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// On registers a typed fold handler for eventType, replacing any previous
// one. The payload is decoded into T before fn runs, both on replay and on
// raise. fn must depend on the payload and metadata only; during Raise the
// metadata is zero.
func On[T any](b *BaseAggregate, eventType string, fn func(T, Metadata)) {
	if b.handlers == nil {
		b.handlers = map[string]handler{}
	}
	b.handlers[eventType] = handler{
		decode: func(payload json.RawMessage) (any, error) {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", eventType, err)
			}
			return v, nil
		},
		apply: func(v any, meta Metadata) { fn(v.(T), meta) },
	}
}

// LoadFromHistory folds persisted events in ascending stream sequence and
// advances the version to each event's stream sequence. Events at or below
// the current version are rejected with ErrAlreadyApplied, which makes a
// second load of the same history an error instead of a double apply.
func (b *BaseAggregate) LoadFromHistory(events []StoredEvent) error {
	if len(b.uncommitted) > 0 {
		return fmt.Errorf("aggregate %s has uncommitted events", b.id)
	}

	last := b.version
	for _, ev := range events {
		if ev.StreamSequence <= last {
			return fmt.Errorf(
				"%w: stream_seq=%d version=%d (stream_id=%s)",
				ErrAlreadyApplied, ev.StreamSequence, last, b.id,
			)
		}
		last = ev.StreamSequence
	}

	decoded := make([]any, len(events))
	for i, ev := range events {
		v, err := b.decode(ev.EventType, ev.Payload)
		if err != nil {
			return fmt.Errorf("replay stream_seq=%d: %w", ev.StreamSequence, err)
		}
		decoded[i] = v
	}

	for i, ev := range events {
		b.apply(ev.EventType, decoded[i], ev.Metadata)
		b.version = ev.StreamSequence
	}
	return nil
}

// Raise builds an event from payload, folds it and buffers it. On error the
// aggregate is unchanged.
func (b *BaseAggregate) Raise(eventType string, payload any) error {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.RaiseEvents(ev)
}

// RaiseEvents folds and buffers events that were already built with
// NewEvent, in order. Every payload is decoded before the first one is
// applied, so on error the aggregate is unchanged.
func (b *BaseAggregate) RaiseEvents(events ...Event) error {
	decoded := make([]any, len(events))
	for i, ev := range events {
		v, err := b.decode(ev.Type, ev.Payload)
		if err != nil {
			return err
		}
		decoded[i] = v
	}

	for i, ev := range events {
		b.apply(ev.Type, decoded[i], Metadata{})
		b.uncommitted = append(b.uncommitted, ev)
		b.version++
	}
	return nil
}

// decode returns nil for event types without a handler.
func (b *BaseAggregate) decode(eventType string, payload json.RawMessage) (any, error) {
	h, ok := b.handlers[eventType]
	if !ok {
		return nil, nil
	}
	return h.decode(payload)
}

func (b *BaseAggregate) apply(eventType string, v any, meta Metadata) {
	if h, ok := b.handlers[eventType]; ok {
		h.apply(v, meta)
	}
}

package es

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Projection turns events into a read model. Handle must be idempotent per
// event; Clear resets the read model for a rebuild.
type Projection interface {
	Name() string
	Handle(ctx context.Context, ev StoredEvent) error
	Clear(ctx context.Context) error
}

type EventHandlerFunc func(ctx context.Context, ev StoredEvent) error

// BaseProjection dispatches events by type. Types without a handler are
// ignored.
type BaseProjection struct {
	name     string
	handlers map[string]EventHandlerFunc
	clear    func(ctx context.Context) error
}

func NewBaseProjection(name string) *BaseProjection {
	return &BaseProjection{name: name, handlers: map[string]EventHandlerFunc{}}
}

func (p *BaseProjection) Name() string { return p.name }

// On registers the handler for eventType, replacing any previous one.
func (p *BaseProjection) On(eventType string, h EventHandlerFunc) {
	p.handlers[eventType] = h
}

// OnClear sets the function that resets the read model.
func (p *BaseProjection) OnClear(fn func(ctx context.Context) error) { p.clear = fn }

// EventTypes returns the handled event types, sorted.
func (p *BaseProjection) EventTypes() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (p *BaseProjection) Handle(ctx context.Context, ev StoredEvent) error {
	h, ok := p.handlers[ev.EventType]
	if !ok {
		return nil
	}
	if err := h(ctx, ev); err != nil {
		return &ProjectionError{
			Projection: p.name,
			EventID:    ev.ID,
			EventType:  ev.EventType,
			Err:        err,
		}
	}
	return nil
}

func (p *BaseProjection) Clear(ctx context.Context) error {
	if p.clear == nil {
		return nil
	}
	if err := p.clear(ctx); err != nil {
		return fmt.Errorf("clear projection %s: %w", p.name, err)
	}
	return nil
}

// OnEvent registers a handler that receives the payload decoded into T.
func OnEvent[T any](p *BaseProjection, eventType string, fn func(ctx context.Context, ev StoredEvent, payload T) error) {
	p.On(eventType, func(ctx context.Context, ev StoredEvent) error {
		var v T
		if err := json.Unmarshal(ev.Payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", eventType, err)
		}
		return fn(ctx, ev, v)
	})
}

// Rebuild clears p and handles events in ascending global sequence. It stops
// at the first handler error.
func Rebuild(ctx context.Context, p Projection, events []StoredEvent) error {
	if err := p.Clear(ctx); err != nil {
		return err
	}

	sorted := make([]StoredEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	for _, ev := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Handle(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

var _ Projection = (*BaseProjection)(nil)

package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/screeem/screeem/core/cache"
	"github.com/screeem/screeem/core/ds"
)

const (
	DefaultProjectorBatchSize  = 500
	DefaultProjectorDedupeSize = 4096
)

// Projector keeps a Projection up to date. It subscribes first, then
// catches up from its durable cursor with GetAll, and only then lets live
// notifications through. Events at or below the cursor and recently seen
// ids are skipped, so the overlap between catch-up and live delivery is
// handled once. A live event that skips ahead of the cursor is not applied
// directly; the projector pulls the log up to it instead.
//
// Handler failures are logged and counted; the cursor still advances.
type Projector struct {
	name        string
	store       EventStore
	proj        Projection
	cursors     CursorStore
	streamTypes *ds.Set[string]
	batchSize   int
	seen        cache.Typed[uint64]
	log         *slog.Logger
	metrics     ESMetrics

	mu      sync.Mutex
	cursor  uint64
	unsub   Unsubscribe
	running bool
}

func NewProjector(store EventStore, proj Projection, opts ...ProjectorOption) *Projector {
	o := newProjectorOpts(proj, opts...)

	var seen cache.Cache = cache.NewNop()
	if o.dedupeSize > 0 {
		seen = cache.NewLRU(cache.LRUOpts{Size: o.dedupeSize})
	}

	return &Projector{
		name:        o.name,
		store:       store,
		proj:        proj,
		cursors:     o.cursors,
		streamTypes: ds.NewSet(o.streamTypes...),
		batchSize:   o.batchSize,
		seen:        cache.NewTyped[uint64](seen),
		log:         o.log.With(slog.String("projector", o.name)),
		metrics:     o.metrics,
	}
}

func (p *Projector) Name() string { return p.name }

// Cursor returns the global sequence of the last handled event.
func (p *Projector) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Start subscribes, catches up and returns once the projection is live.
// Live events that arrive during catch-up wait until it is done. ctx bounds
// the lifetime of the subscription.
func (p *Projector) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("projector already started")
	}
	cursor, err := p.cursors.Get(ctx, p.name)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("load cursor: %w", err)
	}
	p.cursor = cursor
	p.mu.Unlock()

	p.log.Info(
		"starting projector",
		slog.String("projection", p.proj.Name()),
		slog.Uint64("cursor", cursor),
		slog.Any("stream_types", p.streamTypes.Values()),
	)

	ready := make(chan struct{})
	unsub, err := p.store.Subscribe(
		ctx,
		func(ctx context.Context, ev StoredEvent) {
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			p.liveLocked(ctx, ev)
		},
		WithStreamTypes(p.streamTypes.Values()...),
	)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.catchUpLocked(ctx, false); err != nil {
		unsub()
		return err
	}

	p.unsub = unsub
	p.running = true
	close(ready)

	p.log.Info("projector live", slog.Uint64("cursor", p.cursor))
	return nil
}

// Stop ends the live subscription. The cursor stays where it is.
func (p *Projector) Stop() {
	p.mu.Lock()
	unsub := p.unsub
	p.unsub = nil
	p.running = false
	p.mu.Unlock()

	if unsub != nil {
		unsub()
		p.log.Info("projector stopped")
	}
}

// Rebuild clears the projection and replays the whole log through it. Live
// delivery is held back while it runs.
func (p *Projector) Rebuild(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Info("rebuilding projection")

	if err := p.proj.Clear(ctx); err != nil {
		return err
	}
	p.cursor = 0
	if err := p.catchUpLocked(ctx, true); err != nil {
		return err
	}
	p.log.Info("projection rebuilt", slog.Uint64("cursor", p.cursor))
	return nil
}

// catchUpLocked pages through GetAll after the cursor until the log is
// exhausted. The cursor is saved after each page.
func (p *Projector) catchUpLocked(ctx context.Context, rebuild bool) error {
	for {
		page, err := p.store.GetAll(ctx, p.cursor, p.batchSize)
		if err != nil {
			return fmt.Errorf("catch up after %d: %w", p.cursor, err)
		}
		if len(page) == 0 {
			break
		}

		head := page[len(page)-1].Sequence
		for _, ev := range page {
			if !p.wants(ev) {
				p.cursor = ev.Sequence
				continue
			}
			p.handleLocked(ctx, ev, !rebuild)
			p.metrics.ProjectionLag(p.name, head-ev.Sequence)
		}
		// a page of filtered events still moves the cursor
		p.cursor = max(p.cursor, head)
		p.saveCursorLocked(ctx)

		if len(page) < p.batchSize {
			break
		}
	}
	p.metrics.ProjectionLag(p.name, 0)
	return nil
}

// liveLocked handles a notified event. Notifications are ordered per stream
// only, so an event that does not directly follow the cursor is read from
// the log together with everything before it.
func (p *Projector) liveLocked(ctx context.Context, ev StoredEvent) {
	if ev.Sequence > p.cursor+1 {
		p.log.Debug("gap before live event", ev.SlogAttr(), slog.Uint64("cursor", p.cursor))
		if err := p.catchUpLocked(ctx, false); err != nil {
			// the next notification retries from the same cursor
			p.log.Warn("catch up failed", ev.SlogAttr(), slog.Any("error", err))
		}
		return
	}
	if p.handleLocked(ctx, ev, true) {
		p.saveCursorLocked(ctx)
	}
	p.metrics.ProjectionLag(p.name, 0)
}

// handleLocked applies one event and reports whether the cursor moved.
func (p *Projector) handleLocked(ctx context.Context, ev StoredEvent, dedupe bool) bool {
	if ev.Sequence <= p.cursor {
		p.log.Debug("skip handled event", ev.SlogAttr(), slog.Uint64("cursor", p.cursor))
		return false
	}
	if dedupe {
		if _, dup := p.seen.Get(ev.ID); dup {
			p.log.Debug("skip duplicate event", ev.SlogAttr())
			return false
		}
	}

	timer := p.metrics.ProjectionEventDuration(p.name, ev.EventType)
	err := p.proj.Handle(ctx, ev)
	timer.ObserveDuration()

	p.metrics.ProjectionEventProcessed(p.name, ev.EventType, err == nil)
	if err != nil {
		p.log.Error("projection handler failed", ev.SlogAttr(), slog.Any("error", err))
	}

	p.seen.Put(ev.ID, ev.Sequence)
	p.cursor = ev.Sequence
	return true
}

func (p *Projector) saveCursorLocked(ctx context.Context) {
	if err := p.cursors.Set(ctx, p.name, p.cursor); err != nil {
		p.log.Warn("save cursor failed", slog.Uint64("cursor", p.cursor), slog.Any("error", err))
	}
}

func (p *Projector) wants(ev StoredEvent) bool {
	return p.streamTypes.IsEmpty() || p.streamTypes.Contains(ev.StreamType)
}

// === options ===

type (
	projectorOpts struct {
		name        string
		streamTypes []string
		cursors     CursorStore
		batchSize   int
		dedupeSize  int
		log         *slog.Logger
		metrics     ESMetrics
	}

	ProjectorOption interface{ applyToProjectorOpts(*projectorOpts) }

	ProjectorNameOption        valueOption[string]
	ProjectorStreamTypesOption valueOption[[]string]
	CursorStoreOption          valueOption[CursorStore]
	BatchSizeOption            valueOption[int]
	DedupeSizeOption           valueOption[int]
)

// WithProjectorName sets the name the cursor is stored under. It defaults
// to the projection name.
func WithProjectorName(name string) ProjectorNameOption { return ProjectorNameOption{v: name} }

// WithProjectedStreamTypes restricts the projector to the given stream types.
func WithProjectedStreamTypes(types ...string) ProjectorStreamTypesOption {
	return ProjectorStreamTypesOption{v: types}
}

func WithCursorStore(s CursorStore) CursorStoreOption { return CursorStoreOption{v: s} }
func WithBatchSize(n int) BatchSizeOption             { return BatchSizeOption{v: n} }

// WithDedupeSize sets how many recent event ids are remembered. Zero or
// less disables the id check; the cursor check stays.
func WithDedupeSize(n int) DedupeSizeOption { return DedupeSizeOption{v: n} }

func (o ProjectorNameOption) applyToProjectorOpts(p *projectorOpts) { p.name = o.v }
func (o ProjectorStreamTypesOption) applyToProjectorOpts(p *projectorOpts) {
	p.streamTypes = append(p.streamTypes, o.v...)
}
func (o CursorStoreOption) applyToProjectorOpts(p *projectorOpts) { p.cursors = o.v }
func (o BatchSizeOption) applyToProjectorOpts(p *projectorOpts)   { p.batchSize = o.v }
func (o DedupeSizeOption) applyToProjectorOpts(p *projectorOpts)  { p.dedupeSize = o.v }
func (o LogOption) applyToProjectorOpts(p *projectorOpts)         { p.log = o.l }
func (o ESMetricsOption) applyToProjectorOpts(p *projectorOpts)   { p.metrics = o.m }

func newProjectorOpts(proj Projection, opts ...ProjectorOption) projectorOpts {
	o := projectorOpts{
		name:       proj.Name(),
		batchSize:  DefaultProjectorBatchSize,
		dedupeSize: DefaultProjectorDedupeSize,
		log:        slog.Default(),
		metrics:    NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToProjectorOpts(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("projector-%s", gonanoid.Must(6))
	}
	if o.cursors == nil {
		o.cursors = NewInMemCursorStore()
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultProjectorBatchSize
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopESMetrics()
	}
	return o
}

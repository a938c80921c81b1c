package es

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Notifier fans committed events out to live subscribers. Stores call
// Publish only after a successful commit.
type Notifier interface {
	Stream
	Publish(ctx context.Context, events ...StoredEvent) error
	Close() error
}

type (
	busOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}

	BusOption interface {
		applyToBusOpts(*busOpts)
	}
)

func (o LogOption) applyToBusOpts(b *busOpts)       { b.log = o.l }
func (o ESMetricsOption) applyToBusOpts(b *busOpts) { b.metrics = o.m }

// Bus is the in-process Notifier. Every subscriber owns an unbounded queue
// drained by its own goroutine, so Publish never waits for a subscriber.
type Bus struct {
	mu      sync.RWMutex
	log     *slog.Logger
	metrics ESMetrics
	subs    map[string]*busSubscriber
	closed  bool
}

func NewBus(opts ...BusOption) *Bus {
	o := busOpts{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		opt.applyToBusOpts(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopESMetrics()
	}
	return &Bus{
		log:     o.log.With(slog.String("notifier", "bus")),
		metrics: o.metrics,
		subs:    map[string]*busSubscriber{},
	}
}

func (b *Bus) Publish(_ context.Context, events ...StoredEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, ev := range events {
		for _, sub := range b.subs {
			if sub.opts.Match(ev) {
				sub.enqueue(ev)
			}
		}
	}
	b.metrics.NotificationsPublished(len(events))
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, cb Callback, opts ...SubscribeOption) (Unsubscribe, error) {
	if cb == nil {
		return nil, errors.New("callback is nil")
	}

	sub := &busSubscriber{
		id:     gonanoid.Must(),
		opts:   NewSubscribeOpts(opts...),
		cb:     cb,
		signal: make(chan struct{}, 1),
	}
	sub.log = b.log.With(slog.String("subscriber", sub.id))
	sub.ctx, sub.cancel = context.WithCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.cancel()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.metrics.Subscribers(1)
	sub.log.Debug("subscribed", slog.Any("filters", sub.opts.Filters()))

	go sub.run()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			sub.cancel()
			b.remove(sub.id)
			sub.log.Debug("unsubscribed")
		})
	}
	context.AfterFunc(sub.ctx, unsubscribe)

	return unsubscribe, nil
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*busSubscriber{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.metrics.Subscribers(-len(subs))
	return nil
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.metrics.Subscribers(-1)
	}
}

// === Subscriber ===

type busSubscriber struct {
	id     string
	log    *slog.Logger
	opts   SubscribeOpts
	cb     Callback
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []StoredEvent
	signal chan struct{}
}

func (s *busSubscriber) enqueue(ev StoredEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *busSubscriber) take() []StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *busSubscriber) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		for batch := s.take(); len(batch) > 0; batch = s.take() {
			for _, ev := range batch {
				if s.ctx.Err() != nil {
					return
				}
				s.deliver(ev)
			}
		}
	}
}

func (s *busSubscriber) deliver(ev StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber callback panicked", slog.Any("panic", r), ev.SlogAttr())
		}
	}()
	s.cb(s.ctx, ev)
}

var _ Notifier = (*Bus)(nil)

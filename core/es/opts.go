package es

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type (
	valueOption[T any] struct{ v T }
	LogOption          struct{ l *slog.Logger }
	NotifierOption     valueOption[Notifier]
	IDGeneratorOption  valueOption[func() string]
	ClockOption        valueOption[func() time.Time]
	MultiOption[T any] struct{ opts []T }
	StoreOptions       MultiOption[StoreOption]

	// StoreOption configures an EventStore implementation.
	StoreOption interface {
		applyToStoreOpts(*StoreOpts)
	}
)

func WithLog(l *slog.Logger) LogOption                    { return LogOption{l: l} }
func WithNotifier(n Notifier) NotifierOption              { return NotifierOption{v: n} }
func WithIDGenerator(fn func() string) IDGeneratorOption  { return IDGeneratorOption{v: fn} }
func WithClock(fn func() time.Time) ClockOption           { return ClockOption{v: fn} }
func WithStoreOpts(opts ...StoreOption) StoreOptions      { return StoreOptions{opts: opts} }
func (o LogOption) applyToStoreOpts(s *StoreOpts)         { s.log = o.l }
func (o NotifierOption) applyToStoreOpts(s *StoreOpts)    { s.notifier = o.v }
func (o IDGeneratorOption) applyToStoreOpts(s *StoreOpts) { s.newID = o.v }
func (o ClockOption) applyToStoreOpts(s *StoreOpts)       { s.now = o.v }
func (o ESMetricsOption) applyToStoreOpts(s *StoreOpts)   { s.metrics = o.m }
func (o StoreOptions) applyToStoreOpts(s *StoreOpts) {
	for _, opt := range o.opts {
		opt.applyToStoreOpts(s)
	}
}

// StoreOpts is the resolved configuration shared by all store
// implementations, including the ones in adapters/.
type StoreOpts struct {
	log      *slog.Logger
	notifier Notifier
	newID    func() string
	now      func() time.Time
	metrics  ESMetrics
}

func NewStoreOpts(opts ...StoreOption) StoreOpts {
	o := StoreOpts{
		log:     slog.Default(),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToStoreOpts(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopESMetrics()
	}
	return o
}

func (o StoreOpts) Log() *slog.Logger       { return o.log }
func (o StoreOpts) NewID() string           { return o.newID() }
func (o StoreOpts) Now() time.Time          { return o.now() }
func (o StoreOpts) Clock() func() time.Time { return o.now }
func (o StoreOpts) Metrics() ESMetrics      { return o.metrics }

// Notifier returns the configured notifier. If none was configured an
// in-process Bus is created and owned reports true; the store then has to
// close it.
func (o StoreOpts) Notifier() (n Notifier, owned bool) {
	if o.notifier != nil {
		return o.notifier, false
	}
	return NewBus(WithLog(o.log), WithMetrics(o.metrics)), true
}

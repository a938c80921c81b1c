package es

import "github.com/screeem/screeem/core/metrics"

// ESMetrics is the instrumentation surface of stores, repositories,
// notifiers and projectors. Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreAppendDuration(streamType string) metrics.Timer
	StoreReadDuration(op string) metrics.Timer
	EventsAppended(streamType string, count int)
	ConcurrencyConflict(streamType string)

	// Command handling
	CommandDuration(streamType string) metrics.Timer
	CommandRetried(streamType string)

	// Notifications
	NotificationsPublished(count int)
	Subscribers(delta int)

	// Projections
	ProjectionEventDuration(projection, eventType string) metrics.Timer
	ProjectionEventProcessed(projection, eventType string, success bool)
	ProjectionLag(projection string, lag uint64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) StoreReadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}
func (nopESMetrics) ConcurrencyConflict(string)               {}

func (nopESMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) CommandRetried(string)                {}

func (nopESMetrics) NotificationsPublished(int) {}
func (nopESMetrics) Subscribers(int)            {}

func (nopESMetrics) ProjectionEventDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ProjectionEventProcessed(string, string, bool)        {}
func (nopESMetrics) ProjectionLag(string, uint64)                         {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

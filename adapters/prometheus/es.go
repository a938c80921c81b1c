package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/metrics"
)

type esMetrics struct {
	storeAppendDuration  *prometheus.HistogramVec
	storeReadDuration    *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	commandDuration *prometheus.HistogramVec
	commandRetries  *prometheus.CounterVec

	notifications prometheus.Counter
	subscribers   prometheus.Gauge

	projectionEventDuration *prometheus.HistogramVec
	projectionEvents        *prometheus.CounterVec
	projectionLag           *prometheus.GaugeVec
}

// NewESMetrics registers the event sourcing metrics on reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_append_duration_seconds",
			Help:      "Event store append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"stream_type"}),

		storeReadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_read_duration_seconds",
			Help:      "Event store read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"op"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"stream_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_concurrency_conflicts_total",
			Help:      "Total number of appends rejected on expected version",
		}, []string{"stream_type"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_command_duration_seconds",
			Help:      "Command execution time including retries in seconds",
			Buckets:   defaultBuckets,
		}, []string{"stream_type"}),

		commandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_command_retries_total",
			Help:      "Total number of command retries after a conflict",
		}, []string{"stream_type"}),

		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_notifications_published_total",
			Help:      "Total number of event notifications published",
		}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "es_subscribers",
			Help:      "Current number of notification subscribers",
		}),

		projectionEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_projection_event_duration_seconds",
			Help:      "Projection handler time per event in seconds",
			Buckets:   defaultBuckets,
		}, []string{"projection", "event_type"}),

		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_projection_events_total",
			Help:      "Total number of events handled by projections",
		}, []string{"projection", "event_type", "success"}),

		projectionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "es_projection_lag",
			Help:      "Events between the projection cursor and the head of the log",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.storeReadDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.commandDuration,
		m.commandRetries,
		m.notifications,
		m.subscribers,
		m.projectionEventDuration,
		m.projectionEvents,
		m.projectionLag,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration(streamType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(streamType))
}

func (m *esMetrics) StoreReadDuration(op string) metrics.Timer {
	return newTimer(m.storeReadDuration.WithLabelValues(op))
}

func (m *esMetrics) EventsAppended(streamType string, count int) {
	m.eventsAppended.WithLabelValues(streamType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(streamType string) {
	m.concurrencyConflicts.WithLabelValues(streamType).Inc()
}

func (m *esMetrics) CommandDuration(streamType string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(streamType))
}

func (m *esMetrics) CommandRetried(streamType string) {
	m.commandRetries.WithLabelValues(streamType).Inc()
}

func (m *esMetrics) NotificationsPublished(count int) { m.notifications.Add(float64(count)) }
func (m *esMetrics) Subscribers(delta int)            { m.subscribers.Add(float64(delta)) }

func (m *esMetrics) ProjectionEventDuration(projection, eventType string) metrics.Timer {
	return newTimer(m.projectionEventDuration.WithLabelValues(projection, eventType))
}

func (m *esMetrics) ProjectionEventProcessed(projection, eventType string, success bool) {
	m.projectionEvents.WithLabelValues(projection, eventType, boolToStr(success)).Inc()
}

func (m *esMetrics) ProjectionLag(projection string, lag uint64) {
	m.projectionLag.WithLabelValues(projection).Set(float64(lag))
}

var _ es.ESMetrics = (*esMetrics)(nil)

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/screeem/screeem/core/metrics"
	"github.com/screeem/screeem/internal/timeline"
)

type publisherMetrics struct {
	passDuration prometheus.Histogram
	posts        *prometheus.CounterVec
}

// NewPublisherMetrics registers the scheduled post publisher metrics on reg.
func NewPublisherMetrics(reg prometheus.Registerer) timeline.PublisherMetrics {
	m := &publisherMetrics{
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publisher_pass_duration_seconds",
			Help:      "Duration of one publish pass in seconds",
			Buckets:   defaultBuckets,
		}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_posts_total",
			Help:      "Due posts handled by the publisher by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.passDuration, m.posts)
	return m
}

func (m *publisherMetrics) PassDuration() metrics.Timer { return newTimer(m.passDuration) }
func (m *publisherMetrics) PostHandled(outcome string)  { m.posts.WithLabelValues(outcome).Inc() }

var _ timeline.PublisherMetrics = (*publisherMetrics)(nil)

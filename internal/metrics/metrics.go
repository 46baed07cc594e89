// Package metrics exposes Prometheus collectors for the poll and delivery
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	cycles           prometheus.Counter
	cycleDuration    prometheus.Histogram
	fetchErrors      prometheus.Counter
	feedsSkipped     prometheus.Counter
	postsDelivered   prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	channelsCreated  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "rsscord_poll_cycles_total",
			Help: "Number of completed poll cycles",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsscord_poll_cycle_duration_seconds",
			Help:    "Wall time of a full poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~200s
		}),
		fetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rsscord_fetch_errors_total",
			Help: "Feed fetches that failed after retries",
		}),
		feedsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rsscord_feeds_skipped_total",
			Help: "Feeds skipped in a cycle because their channel could not be ensured",
		}),
		postsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "rsscord_posts_delivered_total",
			Help: "Posts sent to a destination channel",
		}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsscord_delivery_failures_total",
			Help: "Posts marked seen whose send failed",
		}, []string{"reason"}),
		channelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rsscord_channels_created_total",
			Help: "Destination channels created on the platform",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests that gather values directly.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.fetchErrors.Inc()
}

func (m *Metrics) FeedSkipped() {
	if m == nil {
		return
	}
	m.feedsSkipped.Inc()
}

func (m *Metrics) PostDelivered() {
	if m == nil {
		return
	}
	m.postsDelivered.Inc()
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ChannelCreated() {
	if m == nil {
		return
	}
	m.channelsCreated.Inc()
}

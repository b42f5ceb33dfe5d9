// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mindscope"

// Metrics holds every instrument the gateway records.
type Metrics struct {
	factory promauto.Factory

	// Submissions
	SubmissionsTotal *prometheus.CounterVec

	// Monitoring
	ResolutionsTotal  *prometheus.CounterVec
	MonitorDuration   *prometheus.HistogramVec
	PollAttempts      prometheus.Histogram
	PushReconnects    prometheus.Counter
	PushReconnectWait prometheus.Histogram

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the instruments on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{factory: promauto.With(reg)}
	m.initSubmissionMetrics()
	m.initMonitorMetrics()
	m.initHTTPMetrics()
	return m
}

func (m *Metrics) initSubmissionMetrics() {
	m.SubmissionsTotal = m.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Assessment submissions by outcome code and whether they joined an in-flight cycle",
	}, []string{"code", "shared"})
}

func (m *Metrics) initMonitorMetrics() {
	m.ResolutionsTotal = m.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "resolutions_total",
		Help:      "Monitored jobs by the path that settled them and the outcome code",
	}, []string{"path", "code"})

	m.MonitorDuration = m.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "duration_seconds",
		Help:      "Time from monitoring start to resolution",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 11), // 0.5s to ~8.5min
	}, []string{"path"})

	m.PollAttempts = m.factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "poll_attempts",
		Help:      "Status requests made per monitored job",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
	})

	m.PushReconnects = m.factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "reconnects_total",
		Help:      "Reconnection attempts scheduled by the push connection manager",
	})

	m.PushReconnectWait = m.factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "reconnect_delay_seconds",
		Help:      "Backoff delay before each reconnection attempt",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
	})
}

func (m *Metrics) initHTTPMetrics() {
	m.RequestsTotal = m.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status",
	}, []string{"method", "route", "status"})

	m.RequestDuration = m.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
}

// outcomeCode labels an error by its stable code, or "OK".
func outcomeCode(err error) string {
	if err == nil {
		return "OK"
	}
	return apperr.KindOf(err).Code()
}

// RecordSubmission counts one Submit call.
func (m *Metrics) RecordSubmission(err error, shared bool) {
	m.SubmissionsTotal.WithLabelValues(outcomeCode(err), strconv.FormatBool(shared)).Inc()
}

// ObserveResolution is a monitor.WithResolveHook callback.
func (m *Metrics) ObserveResolution(r monitor.Resolution) {
	path := string(r.Path)
	m.ResolutionsTotal.WithLabelValues(path, outcomeCode(r.Err)).Inc()
	m.MonitorDuration.WithLabelValues(path).Observe(r.Elapsed.Seconds())
	m.PollAttempts.Observe(float64(r.Attempts))
}

// ObserveReconnect is a push.WithReconnectHook callback.
func (m *Metrics) ObserveReconnect(attempt int, delay time.Duration) {
	m.PushReconnects.Inc()
	m.PushReconnectWait.Observe(delay.Seconds())
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RegisterGauge exposes a value read on every scrape, such as the number of
// active monitors.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// RegisterCache exposes a cache's Stats under the cache label.
func (m *Metrics) RegisterCache(name string, stats func() cache.Stats) {
	labels := prometheus.Labels{"cache": name}

	gauge := func(metric, help string, pick func(cache.Stats) int) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(pick(stats())) })
	}
	counter := func(metric, help string, pick func(cache.Stats) uint64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(pick(stats())) })
	}

	gauge("entries", "Entries held in memory", func(s cache.Stats) int { return s.Entries })
	gauge("stale_entries", "Entries past their TTL but still servable", func(s cache.Stats) int { return s.Stale })
	gauge("refreshes_in_flight", "Background refreshes currently running", func(s cache.Stats) int { return s.RefreshesInFlight })
	counter("hits_total", "Fresh cache hits", func(s cache.Stats) uint64 { return s.Hits })
	counter("stale_hits_total", "Stale values served while revalidating", func(s cache.Stats) uint64 { return s.StaleHits })
	counter("misses_total", "Lookups that blocked on a fetch", func(s cache.Stats) uint64 { return s.Misses })
	counter("refresh_errors_total", "Background refreshes that failed", func(s cache.Stats) uint64 { return s.RefreshErrors })
}

// Package metrics exposes orchestrator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
)

const namespace = "orchestrator"

// Gauges is a point-in-time view of manager and monitor state, read on
// every scrape.
type Gauges struct {
	Pages             int
	ActiveNavigations int
	QueuedNavigations int
	TrackedDomains    int
	MemoryMB          float64
	CPUPercent        float64
	Healthy           bool
}

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Event metrics
	Events             *prometheus.CounterVec
	NavigationDuration *prometheus.HistogramVec
	RateLimitWait      prometheus.Histogram

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections *prometheus.GaugeVec
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Lifecycle events by type",
			},
			[]string{"type"},
		),
		NavigationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "navigation_duration_seconds",
				Help:      "Time from backend dispatch to settlement",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		RateLimitWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Delay imposed by domain and global spacing",
				Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 30},
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"method", "route"},
		),

		WSConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Open websocket connections by stream",
			},
			[]string{"stream"},
		),
	}
}

// OnEvent implements events.Subscriber.
func (m *Metrics) OnEvent(e events.Event) {
	m.Events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case events.PageLoaded:
		if e.Elapsed > 0 {
			m.NavigationDuration.WithLabelValues("loaded").Observe(e.Elapsed.Seconds())
		}
	case events.PageLoadFailed:
		if e.Elapsed > 0 {
			m.NavigationDuration.WithLabelValues("failed").Observe(e.Elapsed.Seconds())
		}
	case events.RateLimitApplied:
		m.RateLimitWait.Observe(e.Wait.Seconds())
	}
}

// RegisterGauges exposes the values returned by read as gauges. read is
// called once per gauge on every scrape and must be cheap.
func (m *Metrics) RegisterGauges(read func() Gauges) {
	factory := promauto.With(m.registry)
	gauge := func(name, help string, value func(Gauges) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(read()) })
	}

	gauge("pages", "Live pages", func(g Gauges) float64 { return float64(g.Pages) })
	gauge("navigations_active", "Navigations holding an in-flight slot", func(g Gauges) float64 { return float64(g.ActiveNavigations) })
	gauge("navigations_queued", "Navigations waiting in the admission queue", func(g Gauges) float64 { return float64(g.QueuedNavigations) })
	gauge("domains_tracked", "Domains with spacing state", func(g Gauges) float64 { return float64(g.TrackedDomains) })
	gauge("memory_mb", "Last sampled resident memory", func(g Gauges) float64 { return g.MemoryMB })
	gauge("cpu_percent", "Last sampled CPU usage", func(g Gauges) float64 { return g.CPUPercent })
	gauge("healthy", "1 when new pages may be created", func(g Gauges) float64 {
		if g.Healthy {
			return 1
		}
		return 0
	})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/tsingtao/internal/types"
)

const namespace = "tsingtao"

// Metrics holds all Prometheus metrics on its own registry, so tests and
// multiple servers in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Build metrics
	Builds        *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec

	// Sandbox metrics
	SandboxEvents    *prometheus.CounterVec
	PageLoadDuration prometheus.Histogram

	// CDN metrics
	CDNFetches       *prometheus.CounterVec
	CDNFetchDuration prometheus.Histogram
	CDNBreakerState  *prometheus.GaugeVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	mu       sync.RWMutex
	snapshot Snapshot // Protected by mu
}

// Snapshot holds running totals for the JSON health endpoint
type Snapshot struct {
	Requests        int64            `json:"requests"`
	Errors          int64            `json:"errors"`
	Builds          map[string]int64 `json:"builds"`
	RuntimeErrors   int64            `json:"runtime_errors"`
	ActiveSessions  int64            `json:"active_sessions"`
	WSConnections   int64            `json:"ws_connections"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
	AvgBuildSeconds float64          `json:"avg_build_seconds"`

	buildSeconds float64
	buildCount   int64
}

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
		snapshot:  Snapshot{Builds: make(map[string]int64)},

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
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		Builds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Generations by final status",
			},
			[]string{"status"},
		),
		BuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Time from apply to final status",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		SandboxEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_events_total",
				Help:      "Events emitted by sandbox pages",
			},
			[]string{"kind"},
		),
		PageLoadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_page_load_seconds",
				Help:      "Time from Load to Ready",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		CDNFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdn_fetches_total",
				Help:      "CDN module fetches by outcome",
			},
			[]string{"outcome"},
		),
		CDNFetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cdn_fetch_duration_seconds",
				Help:      "CDN module fetch duration in seconds",
				Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
		),
		CDNBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cdn_breaker_state",
				Help:      "1 for the CDN circuit breaker's current state",
			},
			[]string{"state"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of live sessions",
			},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions created",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of open WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Service uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	return m
}

// Registry is where every collector is registered
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, route).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.Requests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.Errors++
	}
	m.mu.Unlock()
}

// RecordBuild records a generation reaching a final status
func (m *Metrics) RecordBuild(status types.BuildStatus, duration time.Duration) {
	m.Builds.WithLabelValues(string(status)).Inc()
	m.BuildDuration.WithLabelValues(string(status)).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Builds[string(status)]++
	m.snapshot.buildSeconds += duration.Seconds()
	m.snapshot.buildCount++
	m.mu.Unlock()
}

// RecordSandboxEvent counts one sandbox event by kind
func (m *Metrics) RecordSandboxEvent(kind string) {
	m.SandboxEvents.WithLabelValues(kind).Inc()
	if kind == "runtime_error" {
		m.mu.Lock()
		m.snapshot.RuntimeErrors++
		m.mu.Unlock()
	}
}

// RecordPageLoad records the time a page took to become ready
func (m *Metrics) RecordPageLoad(duration time.Duration) {
	m.PageLoadDuration.Observe(duration.Seconds())
}

// RecordFetch records one CDN fetch
func (m *Metrics) RecordFetch(outcome string, duration time.Duration) {
	m.CDNFetches.WithLabelValues(outcome).Inc()
	m.CDNFetchDuration.Observe(duration.Seconds())
}

// RecordBreakerState marks state as the breaker's only current state
func (m *Metrics) RecordBreakerState(state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CDNBreakerState.WithLabelValues(s).Set(v)
	}
}

// SetSessionsActive sets the number of live sessions
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSessions = int64(count)
	m.mu.Unlock()
}

// IncSessionsTotal counts a created session
func (m *Metrics) IncSessionsTotal() {
	m.SessionsTotal.Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.WSConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.WSConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the running totals
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.Builds = make(map[string]int64, len(m.snapshot.Builds))
	for k, v := range m.snapshot.Builds {
		s.Builds[k] = v
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	if s.buildCount > 0 {
		s.AvgBuildSeconds = s.buildSeconds / float64(s.buildCount)
	}
	return s
}

// Package metrics defines the Prometheus collectors shared by the API server
// and the web front-end.
//
// Metric naming follows Prometheus conventions:
//   - usermanagement_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry
	service  string

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	LoginsTotal             *prometheus.CounterVec
	TokensIssuedTotal       prometheus.Counter
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	ActiveSessions          prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry. service labels the HTTP and login
// series ("api" or "web").
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		service:  service,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usermanagement_http_requests_total",
				Help: "Total number of HTTP requests by service and status code.",
			},
			[]string{"service", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usermanagement_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usermanagement_logins_total",
				Help: "Login attempts by service and result.",
			},
			[]string{"service", "result"},
		),
		TokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usermanagement_tokens_issued_total",
				Help: "Bearer tokens issued.",
			},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usermanagement_upstream_requests_total",
				Help: "Calls from the web front-end to the API by method and status.",
			},
			[]string{"method", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usermanagement_upstream_request_duration_seconds",
				Help:    "Duration of calls to the API in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "usermanagement_active_sessions",
				Help: "Sessions created minus sessions ended by this process.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.TokensIssuedTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.ActiveSessions,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Login records a login attempt with result "success", "failure" or "error".
func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(m.service, result).Inc()
}

// TokenIssued counts a freshly issued token.
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.Inc()
}

// Upstream records one API call made by the web front-end. status is the
// HTTP status code, or 0 when no response was received.
func (m *Metrics) Upstream(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamRequestsTotal.WithLabelValues(method, label).Inc()
	m.UpstreamRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SessionStarted and SessionEnded track the active session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// Middleware instruments HTTP requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(m.service, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(m.service).Observe(time.Since(start).Seconds())
	})
}

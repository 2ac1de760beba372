// Package metrics provides Prometheus metrics collection for the HTTP
// surface and for Genie query handling.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/genieops/teams-genie-bot/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "genie_bot"

// Query outcome counter indices.
const (
	QueryMetricTotal = iota
	QueryMetricCompleted
	QueryMetricFailed
	QueryMetricTimedOut
	QueryMetricRejected
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	reg *prometheus.Registry

	TotalHTTPRequestsCounter prometheus.Counter
	HTTPRequestsCounters     map[int]prometheus.Counter
	HTTPDurationHistogram    prometheus.Histogram

	QueryCounters        map[int]prometheus.Counter
	QueryDurationSeconds prometheus.Histogram
	TokenRefreshCounter  prometheus.Counter

	log logger.Logger
}

// NewMetrics creates a new Metrics instance with the specified collectors enabled.
func NewMetrics(httpCounters, queryCounters bool, l logger.Logger) Metrics {
	m := Metrics{
		reg: prometheus.NewRegistry(),
		log: l,
	}
	if httpCounters {
		m.TotalHTTPRequestsCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "total_http_requests",
			Help:      "Total HTTP requests",
		})
		m.reg.MustRegister(m.TotalHTTPRequestsCounter)
		m.HTTPRequestsCounters = make(map[int]prometheus.Counter)

		m.HTTPDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 1.0, 3.0, 5.0, 7.0, 10.0},
		})
		m.reg.MustRegister(m.HTTPDurationHistogram)
	}
	if queryCounters {
		m.QueryCounters = newQueryCounters()
		for k := range m.QueryCounters {
			m.reg.MustRegister(m.QueryCounters[k])
		}
		m.QueryDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "query_duration_seconds",
			Help:      "End-to-end Genie query duration in seconds, submission through terminal status",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
		})
		m.reg.MustRegister(m.QueryDurationSeconds)
		m.TokenRefreshCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "token_refreshes_total",
			Help:      "Total client-credentials token refreshes performed",
		})
		m.reg.MustRegister(m.TokenRefreshCounter)
	}
	return m
}

func newQueryCounters() map[int]prometheus.Counter {
	m := make(map[int]prometheus.Counter)
	m[QueryMetricTotal] = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "queries_total",
		Help:      "Total Genie queries handled",
	})
	m[QueryMetricCompleted] = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "queries_completed",
		Help:      "Genie queries that reached COMPLETED",
	})
	m[QueryMetricFailed] = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "queries_failed",
		Help:      "Genie queries that reached FAILED or errored out",
	})
	m[QueryMetricTimedOut] = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "queries_timed_out",
		Help:      "Genie queries that hit the polling deadline",
	})
	m[QueryMetricRejected] = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "queries_rejected_busy",
		Help:      "Questions rejected because the session already had a query in flight",
	})
	return m
}

// ObserveQuery records a query outcome counter plus the shared total.
func (m *Metrics) ObserveQuery(outcome int, duration time.Duration) {
	if m.QueryCounters == nil {
		return
	}
	m.QueryCounters[QueryMetricTotal].Inc()
	if c, ok := m.QueryCounters[outcome]; ok && outcome != QueryMetricTotal {
		c.Inc()
	}
	if m.QueryDurationSeconds != nil && duration > 0 {
		m.QueryDurationSeconds.Observe(duration.Seconds())
	}
}

// IncTokenRefresh records a performed token refresh.
func (m *Metrics) IncTokenRefresh() {
	if m.TokenRefreshCounter != nil {
		m.TokenRefreshCounter.Inc()
	}
}

// CountHTTPRequest increments the per-status and total HTTP counters,
// lazily registering a counter per status code.
func (m *Metrics) CountHTTPRequest(status int, duration time.Duration) {
	if m.TotalHTTPRequestsCounter == nil {
		return
	}
	m.TotalHTTPRequestsCounter.Inc()

	counter, ok := m.HTTPRequestsCounters[status]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      fmt.Sprintf("http_requests_%d", status),
			Help:      fmt.Sprintf("HTTP requests with status %d", status),
		})
		m.reg.MustRegister(counter)
		m.HTTPRequestsCounters[status] = counter
	}
	counter.Inc()

	if m.HTTPDurationHistogram != nil {
		m.HTTPDurationHistogram.Observe(duration.Seconds())
	}
}

// HTTPMiddleware counts requests flowing through a chi router.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.CountHTTPRequest(sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Listen starts the metrics HTTP server on the specified port. The
// returned shutdown func stops it.
func (m *Metrics) Listen(port int) (shutdown func(), errChan chan error) {
	m.log.Info("Starting metrics listener", logger.IntField("port", port))
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan = make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	shutdown = func() {
		m.log.Info("Stopping metrics listener")
		_ = server.Shutdown(context.Background())
	}
	return shutdown, errChan
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/assetgate/internal/governance"
	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/management"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	decisionsTotal *prometheus.CounterVec

	admissionTotal *prometheus.CounterVec
	admissionDelay prometheus.Histogram

	storeOpsTotal   *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec

	managementEntries *prometheus.CounterVec

	assetFetchTotal *prometheus.CounterVec

	configReloads      *prometheus.CounterVec
	certificateReloads *prometheus.CounterVec
	certificateExpiry  *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all gateway metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_decisions_total",
				Help: "Authorization decisions by route and outcome",
			},
			[]string{"route", "outcome"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_admission_total",
				Help: "Admission verdicts (admitted, throttled, rejected)",
			},
			[]string{"result"},
		),

		admissionDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assetgate_admission_delay_seconds",
				Help:    "Delay imposed on throttled requests",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
		),

		storeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_store_operations_total",
				Help: "Domain store operations by operation and status",
			},
			[]string{"op", "status"},
		),

		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetgate_store_operation_duration_seconds",
				Help:    "Domain store operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		managementEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_management_entries_total",
				Help: "Allowlist batch entries processed by operation and status",
			},
			[]string{"op", "status"},
		),

		assetFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_asset_fetch_total",
				Help: "Upstream asset fetches by status",
			},
			[]string{"status"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		certificateReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_certificate_reloads_total",
				Help: "TLS certificate reload attempts by listener and status",
			},
			[]string{"listener", "status"},
		),

		certificateExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "assetgate_certificate_expiry_timestamp_seconds",
				Help: "NotAfter of the certificate served by each listener",
			},
			[]string{"listener"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetgate_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.admissionTotal,
		m.admissionDelay,
		m.storeOpsTotal,
		m.storeOpDuration,
		m.managementEntries,
		m.assetFetchTotal,
		m.configReloads,
		m.certificateReloads,
		m.certificateExpiry,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveDecision records an authorization outcome.
func (m *Metrics) ObserveDecision(route string, d domain.Decision) {
	if route == "" {
		route = "unknown"
	}
	m.decisionsTotal.WithLabelValues(route, string(d.Outcome)).Inc()
}

// ObserveAdmission records an admission verdict.
func (m *Metrics) ObserveAdmission(a governance.Admission) {
	switch {
	case !a.Allowed:
		m.admissionTotal.WithLabelValues("rejected").Inc()
	case a.Delay > 0:
		m.admissionTotal.WithLabelValues("throttled").Inc()
		m.admissionDelay.Observe(a.Delay.Seconds())
	default:
		m.admissionTotal.WithLabelValues("admitted").Inc()
	}
}

// ObserveStoreOp records the outcome and latency of a store call.
func (m *Metrics) ObserveStoreOp(op string, err error, elapsed time.Duration) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}
	m.storeOpsTotal.WithLabelValues(op, status).Inc()
	m.storeOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveEntry records one processed management batch entry.
func (m *Metrics) ObserveEntry(op string, status management.EntryStatus) {
	m.managementEntries.WithLabelValues(op, string(status)).Inc()
}

// RecordAssetFetch records an upstream fetch by result ("ok", "upstream_error", "rate_wait_cancelled").
func (m *Metrics) RecordAssetFetch(status string) {
	m.assetFetchTotal.WithLabelValues(status).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordCertificateReload records a certificate reload attempt on listener.
func (m *Metrics) RecordCertificateReload(listener, status string) {
	m.certificateReloads.WithLabelValues(listener, status).Inc()
}

// SetCertificateExpiry publishes the NotAfter of the certificate served on listener.
func (m *Metrics) SetCertificateExpiry(listener string, notAfter time.Time) {
	m.certificateExpiry.WithLabelValues(listener).Set(float64(notAfter.Unix()))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics. Routes are
// labelled by their chi pattern so path parameters do not explode cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, routeName(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func routeName(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

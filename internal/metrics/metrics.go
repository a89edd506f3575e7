// Package metrics exposes the gateway's Prometheus surface and the
// liveness/readiness probes spec.md §6 names. Grounded on
// observability/metrics.go's CounterVec/HistogramVec registration shape,
// generalized from JSON-RPC module metrics to tool-call decision
// metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this gateway records, registered once at
// construction against a private prometheus.Registry rather than the
// global default — so multiple Registry instances (e.g. in tests) never
// collide on double-registration.
type Registry struct {
	reg *prometheus.Registry

	decisionsTotal    *prometheus.CounterVec
	approvalsPending  prometheus.Gauge
	auditWritesTotal  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// NewRegistry constructs and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total policy decisions by outcome.",
	}, []string{"outcome"})

	r.approvalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Subsystem: "approval",
		Name:      "pending",
		Help:      "Current count of approvals awaiting resolution.",
	})

	r.auditWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "audit",
		Name:      "writes_total",
		Help:      "Total audit chain append attempts by result.",
	}, []string{"result"})

	r.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by method, path, and status.",
	}, []string{"method", "path", "status"})

	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.reg.MustRegister(r.decisionsTotal, r.approvalsPending, r.auditWritesTotal, r.httpRequestsTotal, r.requestDuration)
	return r
}

// RecordDecision increments the decision counter for outcome ("allow",
// "deny", "needs_approval", "rate_limited", "budget_exceeded").
func (r *Registry) RecordDecision(outcome string) {
	r.decisionsTotal.WithLabelValues(outcome).Inc()
}

// SetApprovalsPending sets the current pending-approval gauge.
func (r *Registry) SetApprovalsPending(n float64) {
	r.approvalsPending.Set(n)
}

// RecordAuditWrite increments the audit write counter for result ("ok"
// or "failed").
func (r *Registry) RecordAuditWrite(result string) {
	r.auditWritesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTP records one completed HTTP request's outcome and latency.
func (r *Registry) ObserveHTTP(method, path string, status int, dur time.Duration) {
	statusStr := http.StatusText(status)
	if statusStr == "" {
		statusStr = "unknown"
	}
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(dur.Seconds())
}

// Middleware wraps next, recording ObserveHTTP for every request. path
// should be the route pattern (not the raw URL) to keep cardinality
// bounded, mirroring observability's module/method label convention.
func (r *Registry) Middleware(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, req)
		r.ObserveHTTP(req.Method, path, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// HealthCheck is a dependency this gateway needs ready before serving
// traffic — the coordinating store, the audit store, the policy bundle
// directory.
type HealthCheck func() error

// HealthMux serves /healthz (always 200 once the process is up — pure
// liveness) and /readyz (runs every registered HealthCheck, 200 only if
// all pass), per spec.md §6.
type HealthMux struct {
	checks map[string]HealthCheck
}

// NewHealthMux constructs an empty HealthMux.
func NewHealthMux() *HealthMux {
	return &HealthMux{checks: make(map[string]HealthCheck)}
}

// Register adds a named readiness dependency check.
func (h *HealthMux) Register(name string, check HealthCheck) {
	h.checks[name] = check
}

// Mount attaches /healthz and /readyz to mux.
func (h *HealthMux) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range h.checks {
			if err := check(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(name + ": " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
}

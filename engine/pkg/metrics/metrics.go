package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supplierpool_engine_build_info",
			Help: "Build information of the supplier pool engine",
		},
		[]string{"version", "commit", "date"},
	)

	// Allocation metrics
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_allocations_total",
			Help: "Total number of allocation requests",
		},
		[]string{"status"}, // "success", "invalid", "overflow", "error"
	)

	AllocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "supplierpool_engine_allocation_duration_seconds",
			Help:    "Duration of allocation requests",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	KeysDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_keys_delivered_total",
			Help: "Total number of keys delivered to delegators",
		},
		[]string{"source"}, // "reused", "created"
	)

	KeysReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_keys_released_total",
			Help: "Total number of delivered keys returned to the pool",
		},
	)

	// Reconciliation metrics
	ReconcileKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_reconcile_keys_total",
			Help: "Total number of keys evaluated by reconciliation",
		},
		[]string{"outcome"}, // "unchanged", "transitioned", "stale", "error"
	)

	RemediationFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_remediation_findings_total",
			Help: "Total number of remediation ledger entries recorded",
		},
		[]string{"reason"},
	)

	RemediationBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_remediation_broadcasts_total",
			Help: "Total number of automatic remediation transactions",
		},
		[]string{"status"},
	)

	LoopRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_loop_refresh_total",
			Help: "Total number of background loop passes",
		},
		[]string{"loop", "status"}, // status: "success", "error", "panic"
	)

	LoopRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supplierpool_engine_loop_refresh_duration_seconds",
			Help:    "Duration of background loop passes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"loop"},
	)

	// Chain client metrics
	ChainRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_chain_requests_total",
			Help: "Total number of chain REST requests",
		},
		[]string{"endpoint", "status"},
	)

	ChainRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supplierpool_engine_chain_request_duration_seconds",
			Help:    "Duration of chain REST requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"endpoint"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supplierpool_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supplierpool_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supplierpool_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordAllocation records the outcome of one allocation request.
func RecordAllocation(status string, duration time.Duration, reused, created int) {
	AllocationsTotal.WithLabelValues(status).Inc()
	AllocationDuration.Observe(duration.Seconds())
	if reused > 0 {
		KeysDeliveredTotal.WithLabelValues("reused").Add(float64(reused))
	}
	if created > 0 {
		KeysDeliveredTotal.WithLabelValues("created").Add(float64(created))
	}
}

// RecordChainRequest records metrics for a chain REST request.
func RecordChainRequest(endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ChainRequestsTotal.WithLabelValues(endpoint, status).Inc()
	ChainRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// operations names the admin routes in metric labels.
var operations = map[string]string{
	"/healthz":                    "health",
	"/metrics":                    "metrics",
	"/v1/entities/":               "list_entities",
	"/v1/entities/{name}":         "get_entity",
	"/v1/entities/{name}/history": "entity_history",
	"/v1/entities/{name}/logs":    "entity_logs",
}

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nonsense_api_requests_total",
			Help: "Admin API requests by operation and status code.",
		},
		[]string{"operation", "code"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nonsense_api_request_duration_seconds",
			Help:    "Admin API request duration, excluding log streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	snapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nonsense_api_snapshot_seconds",
			Help:    "Time to read the live entity table from the event loop.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	logStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nonsense_api_log_streams",
			Help: "Open helper log streams by entity.",
		},
		[]string{"entity"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestDuration, snapshotDuration, logStreams)
}

// metricsMiddleware counts requests per operation. Log streams live as long
// as the helper does, so their duration is not observed.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		op := operation(r)
		apiRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
		if op != "entity_logs" {
			apiRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	})
}

// operation maps the matched chi route to its operation name.
func operation(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatched
	}
	if op, ok := operations[rctx.RoutePattern()]; ok {
		return op
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timebank_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timebank_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	visitsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timebank_visits_scheduled_total",
		Help: "Visits scheduled",
	})

	minutesDebitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timebank_minutes_debited_total",
		Help: "Minutes debited from requesters when scheduling",
	})

	minutesCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timebank_minutes_credited_total",
		Help: "Minutes credited to providers on completion",
	})

	lifecycleRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timebank_lifecycle_rejections_total",
		Help: "Operations refused by validation, labeled by operation and HTTP status",
	}, []string{"operation", "status"})
)

// instrument records request count and latency per route pattern. The
// pattern is read after the handler runs, once chi has matched it.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	})
}

// internal/metrics/metrics.go
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
	// Inbound events by what the listener did with them: accepted, gated, duplicate, error
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsforward_events_received_total",
			Help: "Inbound events seen by the listener, by outcome",
		},
		[]string{"outcome"},
	)

	// Per-target send results
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsforward_deliveries_total",
			Help: "SMTP sends attempted, by result",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smsforward_delivery_duration_seconds",
			Help:    "Time spent sending one message to one target",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue job transitions: succeeded, retrying, failed
	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsforward_jobs_total",
			Help: "Delivery job outcomes, by result",
		},
		[]string{"result"},
	)

	DiagnosticsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsforward_diagnostics_dropped_total",
			Help: "Diagnostic entries dropped because the recorder buffer was full",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsforward_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsforward_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveDelivery records one send to one target.
func ObserveDelivery(start time.Time, err error) {
	DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		Deliveries.WithLabelValues("failure").Inc()
		return
	}
	Deliveries.WithLabelValues("success").Inc()
}

// Middleware records request counts and latencies. The matched chi route
// pattern is used as the label so ids in paths do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_syncs_total",
		Help: "Delta sync executions by outcome.",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calsync_sync_duration_seconds",
		Help:    "Histogram of delta sync latencies, provider calls included.",
		Buckets: prometheus.DefBuckets,
	})

	syncEventsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_sync_events_upserted_total",
		Help: "Calendar events upserted during delta syncs.",
	})

	syncEventsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_sync_events_deleted_total",
		Help: "Calendar events deleted during delta syncs.",
	})

	renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_channel_renewals_total",
		Help: "Watch channel renewal attempts by outcome.",
	}, []string{"result"})

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_dispatch_total",
		Help: "Downstream event-change dispatches by outcome.",
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_notifications_total",
		Help: "Inbound push notifications by resource state.",
	}, []string{"state"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			method := r.Method
			statusCode := strconv.Itoa(ww.Status())

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveSync records one delta sync execution.
func ObserveSync(result string, start time.Time, upserted, deleted int) {
	syncsTotal.WithLabelValues(result).Inc()
	syncDuration.Observe(time.Since(start).Seconds())
	syncEventsUpserted.Add(float64(upserted))
	syncEventsDeleted.Add(float64(deleted))
}

// CountRenewal records one channel renewal attempt.
func CountRenewal(result string) {
	renewalsTotal.WithLabelValues(result).Inc()
}

// CountDispatch records one downstream dispatch attempt.
func CountDispatch(result string) {
	dispatchTotal.WithLabelValues(result).Inc()
}

// CountNotification records one inbound push notification.
func CountNotification(state string) {
	notificationsTotal.WithLabelValues(state).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

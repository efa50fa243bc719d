package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registration actions by outcome (ok, event_full, not_authenticated, timeout, ...)
	registrationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_actions_total",
			Help: "Total number of register/cancel actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	registrationActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registration_action_duration_seconds",
			Help:    "Remote procedure round-trip duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)

	capacityRecountsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capacity_recounts_total",
			Help: "Authoritative re-count queries triggered by change notifications",
		},
		[]string{"result"},
	)

	changeNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_notifications_total",
			Help: "Change notifications received from the data store",
		},
		[]string{"table"},
	)

	trackedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_tracked_events",
			Help: "Number of events with an active reconciliation loop",
		},
	)

	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_total",
			Help: "Outbox publish attempts by result",
		},
		[]string{"routing_key", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

func RecordAction(action, outcome string, d time.Duration) {
	registrationActionsTotal.WithLabelValues(action, outcome).Inc()
	if d > 0 {
		registrationActionDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

func RecordRecount(ok bool) {
	if ok {
		capacityRecountsTotal.WithLabelValues("ok").Inc()
		return
	}
	capacityRecountsTotal.WithLabelValues("error").Inc()
}

func RecordChange(table string) {
	changeNotificationsTotal.WithLabelValues(table).Inc()
}

func SetTrackedEvents(n int) {
	trackedEvents.Set(float64(n))
}

func RecordOutbox(routingKey, result string) {
	outboxPublishedTotal.WithLabelValues(routingKey, result).Inc()
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records HTTP RED metrics keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush/SetWriteDeadline for SSE.
func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusResponseWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

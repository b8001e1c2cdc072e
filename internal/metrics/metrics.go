package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_http_requests_total",
			Help: "Total number of status API requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planwatch_http_duration_seconds",
			Help:    "Status API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_broker_polls_total",
			Help: "Broker queries by source and result.",
		},
		[]string{"source", "result"},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_plan_outcomes_total",
			Help: "Processed plan outcomes by kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_notifications_total",
			Help: "Notification attempts by sink and result.",
		},
		[]string{"sink", "result"},
	)

	pointingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_pointings_total",
			Help: "Telescope pointings by result.",
		},
		[]string{"result"},
	)

	activeFieldLists = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planwatch_active_field_lists",
		Help: "Field lists waiting to be observed.",
	})

	activeFields = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planwatch_active_fields",
		Help: "Fields waiting to be observed across all lists.",
	})

	lastCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "planwatch_last_cycle_timestamp_seconds",
		Help: "Unix time of the last completed poll cycle.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(outcomesTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(pointingsTotal)
	prometheus.MustRegister(activeFieldLists)
	prometheus.MustRegister(activeFields)
	prometheus.MustRegister(lastCycle)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// IncPoll counts one broker query for source ("plans" or "followups").
func IncPoll(source string, ok bool) {
	pollsTotal.WithLabelValues(source, result(ok)).Inc()
}

// IncOutcome counts one plan outcome.
func IncOutcome(kind, reason string) {
	outcomesTotal.WithLabelValues(kind, reason).Inc()
}

// IncNotification counts one sink delivery attempt.
func IncNotification(sink string, ok bool) {
	notificationsTotal.WithLabelValues(sink, result(ok)).Inc()
}

// IncPointing counts one telescope pointing attempt.
func IncPointing(ok bool) {
	pointingsTotal.WithLabelValues(result(ok)).Inc()
}

// SetActiveFields updates the pending field list and field gauges.
func SetActiveFields(lists, fields int) {
	activeFieldLists.Set(float64(lists))
	activeFields.Set(float64(fields))
}

// SetLastCycle records the completion time of a poll cycle.
func SetLastCycle(t time.Time) {
	lastCycle.Set(float64(t.Unix()))
}

var knownRoutes = map[string]bool{
	"/healthz":        true,
	"/readyz":         true,
	"/metrics":        true,
	"/api/v1/fields":  true,
	"/api/v1/ingests": true,
}

// normalizeRoute keeps the path label bounded: unknown paths collapse to
// "other" and per-list routes to one label.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	const fieldsPrefix = "/api/v1/fields/"
	if strings.HasPrefix(path, fieldsPrefix) && len(path) > len(fieldsPrefix) {
		return fieldsPrefix + "{key}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}

// Package metrics provides Prometheus instrumentation for the wallet engine
// and the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "passkey_account"

var (
	// UserOperationsTotal counts user operations by outcome.
	UserOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_operations_total",
			Help:      "Total user operations by status.",
		},
		[]string{"status"},
	)

	// SignaturesTotal counts signatures by signer kind.
	SignaturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Total signatures produced by signer kind.",
		},
		[]string{"signer"},
	)

	// SubmissionDuration observes submit-to-receipt latency.
	SubmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "submission_duration_seconds",
		Help:      "Time from submission to mined receipt in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})

	// RelayRequestsTotal counts relay HTTP requests by endpoint and status.
	RelayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total relay requests by endpoint and status code.",
		},
		[]string{"endpoint", "status"},
	)

	// SessionKeysTotal counts session key lifecycle actions.
	SessionKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_keys_total",
			Help:      "Total session key actions (create, resume, fallback, revoke).",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		UserOperationsTotal,
		SignaturesTotal,
		SubmissionDuration,
		RelayRequestsTotal,
		SessionKeysTotal,
	)
}

// ObserveSubmission records the time since start.
func ObserveSubmission(start time.Time) {
	SubmissionDuration.Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests under a fixed endpoint label.
func Middleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RelayRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

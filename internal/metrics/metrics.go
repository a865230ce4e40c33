// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts control-loop ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskd_ticks_total",
		Help: "Total number of risk control loop ticks",
	})

	// TickDuration tracks how long one tick takes end to end.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskd_tick_duration_seconds",
		Help:    "Risk control loop tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// AccountsEvaluated counts per-account evaluations by result.
	AccountsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_accounts_evaluated_total",
		Help: "Account risk evaluations, partitioned by result",
	}, []string{"result"})

	// Breaches counts evaluations that found margin below maintenance.
	Breaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskd_maintenance_breaches_total",
		Help: "Evaluations where current margin was below maintenance margin",
	})

	// StageEntries counts waterfall stage entries by stage.
	StageEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_waterfall_stage_entries_total",
		Help: "Liquidation waterfall stage entries",
	}, []string{"stage"})

	// WaterfallOutcomes counts finished waterfall runs by outcome.
	WaterfallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_waterfall_outcomes_total",
		Help: "Liquidation waterfall runs by outcome",
	}, []string{"outcome"})

	// LiveCases tracks liquidation cases currently in flight.
	LiveCases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskd_liquidation_cases_live",
		Help: "Liquidation cases currently in flight",
	})

	// CoalescedTriggers counts waterfall triggers rejected because a case
	// was already live for the account.
	CoalescedTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskd_waterfall_coalesced_total",
		Help: "Waterfall triggers coalesced into an existing live case",
	})

	// CollaboratorRetries counts retried collaborator calls by operation.
	CollaboratorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_collaborator_retries_total",
		Help: "Retried collaborator calls",
	}, []string{"op"})

	// PanicMode is 1 while the panic switch is armed.
	PanicMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskd_panic_mode",
		Help: "1 while the global panic switch is armed",
	})

	// PanicAttempts counts panic switch requests by result.
	PanicAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_panic_attempts_total",
		Help: "Panic switch requests by action and result",
	}, []string{"action", "result"})

	// InsuranceFundBalance tracks the insurance fund.
	InsuranceFundBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskd_insurance_fund_balance",
		Help: "Current insurance fund balance",
	})

	// VaREstimate tracks the distribution of per-account VaR estimates.
	VaREstimate = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskd_var_estimate",
		Help:    "Per-account Monte-Carlo VaR estimates",
		Buckets: prometheus.ExponentialBuckets(100, 4, 10),
	})

	// WashTrades counts self-matched trades seen by surveillance.
	WashTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskd_wash_trades_total",
		Help: "Self-matched trades flagged by surveillance",
	})

	// SurveillanceEscalations counts batches that crossed the wash threshold.
	SurveillanceEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskd_surveillance_escalations_total",
		Help: "Trade batches escalated by surveillance",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskd_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskd_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

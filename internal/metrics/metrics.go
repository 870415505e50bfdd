// Package metrics exposes tokenguard's Prometheus instruments. Every method
// on a nil *Recorder is a no-op so components can hold an optional recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenguard"

// Recorder owns a private registry and the instruments registered on it.
type Recorder struct {
	registry *prometheus.Registry

	currentLimit *prometheus.GaugeVec
	adjustments  *prometheus.CounterVec
	calls        *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	retries      *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	tokensSaved  prometheus.Counter
	instrumented *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a Recorder with its own registry. Go runtime and process
// collectors are registered alongside the tokenguard instruments.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		currentLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_limit_current",
			Help:      "Current adaptive token limit per endpoint.",
		}, []string{"endpoint"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_limit_adjustments_total",
			Help:      "Token limit adjustments per endpoint and direction.",
		}, []string{"endpoint", "direction"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Recorded call outcomes per endpoint.",
		}, []string{"endpoint", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per key (0 closed, 1 half-open, 2 open).",
		}, []string{"key"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts scheduled after a retryable failure.",
		}, []string{"key"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Budget recovery outcomes per endpoint.",
		}, []string{"endpoint", "result"}),
		tokensSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimization_tokens_saved_total",
			Help:      "Estimated tokens removed by request optimization.",
		}),
		instrumented: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instrumented_calls_total",
			Help:      "Calls made through instrumented operations.",
		}, []string{"operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instrumented_call_duration_seconds",
			Help:      "Latency of instrumented operations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.currentLimit,
		r.adjustments,
		r.calls,
		r.circuitState,
		r.retries,
		r.recoveries,
		r.tokensSaved,
		r.instrumented,
		r.latency,
	)
	return r
}

// Registry returns the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SetLimit records the current limit of an endpoint.
func (r *Recorder) SetLimit(endpoint string, limit int) {
	if r == nil {
		return
	}
	r.currentLimit.WithLabelValues(endpoint).Set(float64(limit))
}

// IncAdjustment counts a limit adjustment in direction "decrease" or "increase".
func (r *Recorder) IncAdjustment(endpoint, direction string) {
	if r == nil {
		return
	}
	r.adjustments.WithLabelValues(endpoint, direction).Inc()
}

// IncCall counts a call outcome ("success", "budget_exceeded", "error").
func (r *Recorder) IncCall(endpoint, outcome string) {
	if r == nil {
		return
	}
	r.calls.WithLabelValues(endpoint, outcome).Inc()
}

// SetCircuitState records the numeric state of a circuit.
func (r *Recorder) SetCircuitState(key string, state int) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(key).Set(float64(state))
}

// DeleteCircuit drops the gauge series of a removed circuit.
func (r *Recorder) DeleteCircuit(key string) {
	if r == nil {
		return
	}
	r.circuitState.DeleteLabelValues(key)
}

// IncRetry counts a scheduled retry.
func (r *Recorder) IncRetry(key string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(key).Inc()
}

// IncRecovery counts a recovery outcome ("success" or "failure").
func (r *Recorder) IncRecovery(endpoint, result string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(endpoint, result).Inc()
}

// AddTokensSaved adds the tokens removed by an optimization pass.
func (r *Recorder) AddTokensSaved(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.tokensSaved.Add(float64(n))
}

// ObserveCall records an instrumented operation's result and latency.
func (r *Recorder) ObserveCall(operation string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.instrumented.WithLabelValues(operation, result).Inc()
	r.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Package guard owns one instance of every resilience component (budget
// controller, segmenter, optimizer, circuit breaker, retrier and recovery
// orchestrator) and exposes them behind a single value. Several Guards may
// coexist in one process; nothing is global.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/tokenguard/internal/breaker"
	"github.com/flemzord/tokenguard/internal/budget"
	"github.com/flemzord/tokenguard/internal/config"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/logging"
	"github.com/flemzord/tokenguard/internal/metrics"
	"github.com/flemzord/tokenguard/internal/optimize"
	"github.com/flemzord/tokenguard/internal/recovery"
	"github.com/flemzord/tokenguard/internal/retry"
	"github.com/flemzord/tokenguard/internal/segment"
	"github.com/flemzord/tokenguard/internal/tokens"
)

// Option configures optional Guard behavior.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	emitter   events.Emitter
	metrics   *metrics.Recorder
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	estimator tokens.TokenEstimator
}

// WithLogger injects a structured logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmitter sets the destination of every event.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithMetrics records every component in Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the tracer used by retry and recovery spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides time.Now in every component, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithEstimator overrides the estimator built from the settings.
func WithEstimator(e tokens.TokenEstimator) Option {
	return func(o *options) { o.estimator = e }
}

// Guard is the facade over the resilience components.
type Guard struct {
	settings  config.Settings
	estimator tokens.TokenEstimator
	budget    *budget.Controller
	segmenter *segment.Segmenter
	optimizer *optimize.Optimizer
	breaker   *breaker.Breaker
	retrier   *retry.Retrier
	recovery  *recovery.Orchestrator

	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New validates s and wires every component from it.
func New(s config.Settings, opts ...Option) (*Guard, error) {
	if err := config.Validate(s); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.estimator == nil {
		o.estimator = s.NewEstimator()
	}
	logger := logging.OrNop(o.logger)

	ctl, err := budget.New(s.BudgetConfig(),
		budget.WithLogger(logger.With("component", "budget")),
		budget.WithEmitter(o.emitter),
		budget.WithMetrics(o.metrics),
		budget.WithClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("guard: budget: %w", err)
	}

	brk := breaker.New(s.BreakerConfig(),
		breaker.WithLogger(logger.With("component", "breaker")),
		breaker.WithEmitter(o.emitter),
		breaker.WithMetrics(o.metrics),
		breaker.WithClock(o.now),
	)

	retryOpts := []retry.Option{
		retry.WithBreaker(brk),
		retry.WithLogger(logger.With("component", "retry")),
		retry.WithEmitter(o.emitter),
		retry.WithMetrics(o.metrics),
	}
	if o.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(o.sleep))
	}
	if o.tracer != nil {
		retryOpts = append(retryOpts, retry.WithTracer(o.tracer))
	}

	opt := optimize.New(o.estimator)
	recOpts := []recovery.Option{
		recovery.WithLogger(logger.With("component", "recovery")),
		recovery.WithEmitter(o.emitter),
		recovery.WithMetrics(o.metrics),
		recovery.WithClock(o.now),
	}
	if o.tracer != nil {
		recOpts = append(recOpts, recovery.WithTracer(o.tracer))
	}

	return &Guard{
		settings:  s,
		estimator: o.estimator,
		budget:    ctl,
		segmenter: segment.New(o.estimator),
		optimizer: opt,
		breaker:   brk,
		retrier:   retry.New(s.RetryConfig(), retryOpts...),
		recovery:  recovery.New(ctl, opt, recOpts...),
		logger:    logger,
		metrics:   o.metrics,
		now:       o.now,
	}, nil
}

// Settings returns the settings the Guard was built from.
func (g *Guard) Settings() config.Settings { return g.settings }

// Budget returns the budget controller.
func (g *Guard) Budget() *budget.Controller { return g.budget }

// Breaker returns the circuit breaker registry.
func (g *Guard) Breaker() *breaker.Breaker { return g.breaker }

// Estimator returns the token estimator shared by every component.
func (g *Guard) Estimator() tokens.TokenEstimator { return g.estimator }

// Close stops pending circuit timers.
func (g *Guard) Close() {
	g.breaker.Stop()
}

// Limit returns the effective token limit of endpoint.
func (g *Guard) Limit(endpoint string) int {
	return g.budget.Limit(endpoint)
}

// RecordSuccess records a successful call against endpoint.
func (g *Guard) RecordSuccess(endpoint string) {
	g.budget.RecordSuccess(endpoint)
}

// RecordFailure records a failed call against endpoint.
func (g *Guard) RecordFailure(endpoint string, budgetExceeded bool) {
	g.budget.RecordFailure(endpoint, budgetExceeded)
}

// Register declares an endpoint limit at runtime. It satisfies
// reload.Registrar.
func (g *Guard) Register(endpoint string, limit int) (bool, error) {
	return g.budget.Register(endpoint, limit)
}

// Statistics returns the budget report of every known endpoint.
func (g *Guard) Statistics() budget.Report {
	return g.budget.Statistics()
}

// EndpointStatistics returns the statistics of one known endpoint.
func (g *Guard) EndpointStatistics(endpoint string) (budget.EndpointStats, bool) {
	return g.budget.EndpointStatistics(endpoint)
}

// ResetStatistics zeroes every counter and restores original limits.
func (g *Guard) ResetStatistics() {
	g.budget.ResetStatistics()
}

// Segment splits text into chunks. A maxTokens below 1 selects the
// configured chunk size; a negative overlap selects the configured overlap.
func (g *Guard) Segment(text string, maxTokens, overlap int) ([]segment.Chunk, error) {
	if maxTokens < 1 {
		maxTokens = g.settings.Segment.DefaultMaxChunkSize
	}
	if overlap < 0 {
		overlap = g.settings.Segment.OverlapSize
	}
	return g.segmenter.Segment(text, maxTokens, overlap, g.settings.Separators())
}

// Optimize shrinks req toward target using the rules of level.
func (g *Guard) Optimize(req optimize.Request, target int, level optimize.Level) (optimize.Result, error) {
	return g.optimizer.Optimize(req, target, level)
}

// Fit escalates through every level until req fits the effective limit of
// endpoint. The last result is returned when no level fits; callers compare
// TokensAfter with the limit.
func (g *Guard) Fit(endpoint string, req optimize.Request) (optimize.Result, int, error) {
	limit := g.budget.Limit(endpoint)
	var (
		res optimize.Result
		err error
	)
	for _, level := range optimize.Levels {
		res, err = g.optimizer.Optimize(req, limit, level)
		if err != nil || res.TokensAfter <= limit {
			break
		}
	}
	return res, limit, err
}

// IsCircuitOpen reports whether key currently rejects calls.
func (g *Guard) IsCircuitOpen(key string) bool {
	return g.breaker.IsOpen(key)
}

// OpenCircuit forces key open.
func (g *Guard) OpenCircuit(key string) {
	g.breaker.Open(key)
}

// CloseCircuit resets key to closed.
func (g *Guard) CloseCircuit(key string) {
	g.breaker.Close(key)
}

// CircuitStatus returns the status of key.
func (g *Guard) CircuitStatus(key string) breaker.Status {
	return g.breaker.Status(key)
}

// CircuitStatuses returns the status of every known circuit.
func (g *Guard) CircuitStatuses() []breaker.Status {
	return g.breaker.Statuses()
}

// AnyCircuitOpen reports whether at least one circuit is open.
func (g *Guard) AnyCircuitOpen() bool {
	return g.breaker.AnyOpen()
}

// Retry runs op under the Guard's retry policy and circuit key.
func Retry[T any](ctx context.Context, g *Guard, key string, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, g.retrier, key, op)
}

// HandleBudgetExceeded recovers from cause, a budget failure of req against
// endpoint, by escalating optimization and calling retryFn.
func HandleBudgetExceeded[T any](ctx context.Context, g *Guard, cause error, endpoint string, req optimize.Request, retryFn func(context.Context, optimize.Request) (T, error)) recovery.Result[T] {
	return recovery.Handle(ctx, g.recovery, cause, endpoint, req, retryFn)
}

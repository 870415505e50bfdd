// Package recovery handles requests rejected for exceeding an endpoint's
// token budget: it lowers the budget, shrinks the request through the
// escalating optimization levels and retries it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/tokenguard/internal/budget"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/fault"
	"github.com/flemzord/tokenguard/internal/logging"
	"github.com/flemzord/tokenguard/internal/metrics"
	"github.com/flemzord/tokenguard/internal/optimize"
)

// Escalation is the sequence of levels tried after a budget failure.
var Escalation = []optimize.Level{optimize.Aggressive, optimize.Extreme}

// ErrNotBudgetError is returned in Result.Err when Handle is given a cause
// that is not a budget failure.
var ErrNotBudgetError = errors.New("recovery: cause is not a budget error")

// ErrNoFit is returned in Result.Err when no level shrinks the request
// under the endpoint's limit.
var ErrNoFit = errors.New("recovery: request does not fit at any level")

// Result is the structured outcome of a recovery. Exhausted paths set
// Success to false and keep the most recent error in Err.
type Result[T any] struct {
	Success bool
	Value   T

	// Level is the last optimization level attempted.
	Level optimize.Level
	// Request is the optimized request last handed to the retry function.
	Request optimize.Request

	TokensBefore int
	TokensAfter  int
	TokensSaved  int
	// Attempts counts invocations of the retry function.
	Attempts int

	Message string
	Err     error
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithLogger injects a structured logger. When nil or omitted, log output
// is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEmitter sets the destination of recovery_success and recovery_failure events.
func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithMetrics counts recoveries and saved tokens in Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator ties the budget controller to the optimizer.
type Orchestrator struct {
	budget    *budget.Controller
	optimizer *optimize.Optimizer
	logger    *slog.Logger
	emitter   events.Emitter
	metrics   *metrics.Recorder
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an Orchestrator.
func New(b *budget.Controller, opt *optimize.Optimizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		budget:    b,
		optimizer: opt,
		now:       time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	o.logger = logging.OrNop(o.logger)
	o.emitter = events.OrNop(o.emitter)
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/flemzord/tokenguard/internal/recovery")
	}
	return o
}

// Handle recovers from cause, a budget failure of req against endpoint.
//
// It records the failure (lowering the limit), then for each escalation
// level optimizes req against the endpoint's effective limit and, when the
// result fits, calls retry with it. A further budget failure lowers the
// limit again and moves on to the next level; any other error ends
// recovery. Outcomes of retry are recorded against the budget controller,
// except circuit rejections, where no call was made.
//
// A cause that is not a budget error, or a cancelled ctx, returns a failed
// Result without touching any state.
func Handle[T any](ctx context.Context, o *Orchestrator, cause error, endpoint string, req optimize.Request, retry func(context.Context, optimize.Request) (T, error)) Result[T] {
	var res Result[T]

	if !fault.IsBudgetExceeded(cause) {
		res.Err = fmt.Errorf("%w: %w", ErrNotBudgetError, cause)
		res.Message = "not a budget error: " + errString(cause)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		res.Message = "recovery cancelled"
		return res
	}

	ctx, span := o.tracer.Start(ctx, "recovery.Handle", trace.WithAttributes(
		attribute.String("recovery.endpoint", endpoint),
	))
	defer span.End()

	res.TokensBefore = o.optimizer.Cost(req)
	res.TokensAfter = res.TokensBefore
	res.Err = cause
	o.budget.RecordFailure(endpoint, true)

	for _, level := range Escalation {
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Message = "recovery cancelled"
			span.SetStatus(codes.Error, "cancelled")
			return res
		}

		limit := o.budget.Limit(endpoint)
		opt, err := o.optimizer.Optimize(req, limit, level)
		res.Level = level
		if err != nil {
			res.Err = err
			return fail(o, span, endpoint, &res)
		}
		res.Request = opt.Request
		res.TokensAfter = opt.TokensAfter
		res.TokensSaved = opt.Saved()

		span.AddEvent("level", trace.WithAttributes(
			attribute.String("recovery.level", level.String()),
			attribute.Int("recovery.limit", limit),
			attribute.Int("recovery.tokens_after", opt.TokensAfter),
		))

		if opt.TokensAfter > limit {
			o.logger.Debug("optimized request still over budget",
				"endpoint", endpoint,
				"level", level.String(),
				"tokens", opt.TokensAfter,
				"limit", limit,
			)
			res.Err = fmt.Errorf("%w: %d tokens > limit %d", ErrNoFit, opt.TokensAfter, limit)
			continue
		}

		res.Attempts++
		v, err := retry(ctx, opt.Request)
		if err == nil {
			o.budget.RecordSuccess(endpoint)
			res.Success = true
			res.Value = v
			res.Err = nil
			res.Message = fmt.Sprintf("recovered at %s level, saved %d tokens", level, res.TokensSaved)
			succeed(o, span, endpoint, &res)
			return res
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Err = ctxErr
			res.Message = "recovery cancelled"
			span.SetStatus(codes.Error, "cancelled")
			return res
		}

		res.Err = err
		if fault.IsCircuitOpen(err) {
			// Rejected without a call: nothing to record against the budget.
			return fail(o, span, endpoint, &res)
		}
		budgetErr := fault.IsBudgetExceeded(err)
		o.budget.RecordFailure(endpoint, budgetErr)
		if !budgetErr {
			return fail(o, span, endpoint, &res)
		}
		o.logger.Warn("retry still over budget, escalating",
			"endpoint", endpoint,
			"level", level.String(),
			"error", err,
		)
	}

	return fail(o, span, endpoint, &res)
}

func succeed[T any](o *Orchestrator, span trace.Span, endpoint string, r *Result[T]) {
	span.SetAttributes(
		attribute.String("recovery.level", r.Level.String()),
		attribute.Int("recovery.tokens_saved", r.TokensSaved),
	)
	span.SetStatus(codes.Ok, "")

	o.logger.Info("budget recovery succeeded",
		"endpoint", endpoint,
		"level", r.Level.String(),
		"tokens_before", r.TokensBefore,
		"tokens_after", r.TokensAfter,
		"attempts", r.Attempts,
	)
	o.emitter.Emit(events.Event{
		Timestamp: o.now(),
		Name:      events.RecoverySuccess,
		Fields: map[string]any{
			"endpoint":      endpoint,
			"level":         r.Level.String(),
			"tokens_before": r.TokensBefore,
			"tokens_after":  r.TokensAfter,
			"tokens_saved":  r.TokensSaved,
			"attempts":      r.Attempts,
		},
	})
	o.metrics.IncRecovery(endpoint, "success")
	o.metrics.AddTokensSaved(r.TokensSaved)
}

// fail finalizes a failed recovery and returns it.
func fail[T any](o *Orchestrator, span trace.Span, endpoint string, r *Result[T]) Result[T] {
	r.Success = false
	r.Message = fmt.Sprintf("recovery failed at %s level: %s", r.Level, errString(r.Err))

	span.RecordError(r.Err)
	span.SetStatus(codes.Error, "recovery failed")

	o.logger.Error("budget recovery failed",
		"endpoint", endpoint,
		"level", r.Level.String(),
		"attempts", r.Attempts,
		"error", r.Err,
	)
	o.emitter.Emit(events.Event{
		Timestamp: o.now(),
		Name:      events.RecoveryFailure,
		Fields: map[string]any{
			"endpoint":      endpoint,
			"level":         r.Level.String(),
			"tokens_before": r.TokensBefore,
			"tokens_after":  r.TokensAfter,
			"attempts":      r.Attempts,
			"error":         errString(r.Err),
		},
	})
	o.metrics.IncRecovery(endpoint, "failure")
	return *r
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

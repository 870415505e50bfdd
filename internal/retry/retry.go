// Package retry wraps operations with bounded retries, exponential backoff
// with jitter, and circuit breaker consultation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/tokenguard/internal/breaker"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/fault"
	"github.com/flemzord/tokenguard/internal/logging"
	"github.com/flemzord/tokenguard/internal/metrics"
)

// jitterFraction bounds the random spread applied to each delay (±25%).
const jitterFraction = 0.25

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config controls retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retrying.
	MaxRetries int

	// InitialDelay is the delay before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps every delay. Default: 30s.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each retry. Default: 2.
	BackoffFactor float64

	// Jitter spreads each delay uniformly within ±25%.
	Jitter bool

	// Classifier selects retryable errors. Zero value: DefaultClassifier.
	Classifier Classifier
}

// DefaultConfig returns three jittered retries from 1s to 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
		Classifier:    DefaultClassifier(),
	}
}

// defaults fills zero-value fields for which zero is never meaningful.
func (c *Config) defaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.Classifier.empty() {
		c.Classifier = DefaultClassifier()
	}
}

// Option configures optional Retrier behavior.
type Option func(*Retrier)

// WithBreaker consults and updates b for every Do call.
func WithBreaker(b *breaker.Breaker) Option {
	return func(r *Retrier) { r.breaker = b }
}

// WithLogger injects a structured logger. When nil or omitted, log output
// is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) { r.logger = l }
}

// WithEmitter sets the destination of retry_attempt and retry_exhausted events.
func WithEmitter(e events.Emitter) Option {
	return func(r *Retrier) { r.emitter = e }
}

// WithMetrics counts retries in Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Retrier) { r.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Retrier) { r.tracer = t }
}

// WithSleep replaces the backoff sleep, mainly for tests. The function must
// return ctx.Err() when ctx is done first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithRand replaces the jitter source; it must return values in [0, 1).
func WithRand(rnd func() float64) Option {
	return func(r *Retrier) { r.rand = rnd }
}

// Retrier executes operations under a retry policy. It is stateless apart
// from its collaborators and safe for concurrent use.
type Retrier struct {
	cfg     Config
	breaker *breaker.Breaker
	logger  *slog.Logger
	emitter events.Emitter
	metrics *metrics.Recorder
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
	now     func() time.Time
}

// New creates a Retrier.
func New(cfg Config, opts ...Option) *Retrier {
	cfg.defaults()
	r := &Retrier{
		cfg:   cfg,
		sleep: sleepWithContext,
		rand:  rand.Float64,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	r.emitter = events.OrNop(r.emitter)
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/flemzord/tokenguard/internal/retry")
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Breaker returns the breaker consulted by Do, or nil.
func (r *Retrier) Breaker() *breaker.Breaker {
	return r.breaker
}

// Delay returns the backoff before retry number attempt+1:
// min(InitialDelay * BackoffFactor^attempt, MaxDelay), jittered if enabled.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt))
	d = min(d, float64(r.cfg.MaxDelay))
	if r.cfg.Jitter {
		d *= 1 + (r.rand()*2-1)*jitterFraction
	}
	return time.Duration(max(d, 0))
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retries are exhausted. Before each attempt the breaker (if any) is
// consulted for key and a rejection is returned immediately.
//
// Budget errors are returned without retry and count as a breaker success,
// since the endpoint answered. Exhaustion or a non-retryable error records
// one breaker failure; success records a breaker success. Cancellation returns ctx.Err() and touches no
// breaker state.
func Do[T any](ctx context.Context, r *Retrier, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := r.tracer.Start(ctx, "retry.Do", trace.WithAttributes(
		attribute.String("retry.key", key),
		attribute.Int("retry.max_retries", r.cfg.MaxRetries),
	))
	defer span.End()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, err
		}
		if r.breaker != nil {
			if err := r.breaker.Allow(key); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "circuit open")
				return zero, err
			}
		}

		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("retry.attempt", attempt+1)))
		v, err := op(ctx)
		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess(key)
			}
			span.SetAttributes(attribute.Int("retry.attempts", attempt+1))
			span.SetStatus(codes.Ok, "")
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, ctxErr
		}
		span.RecordError(err)

		if fault.IsBudgetExceeded(err) {
			// The endpoint answered: release a half-open trial by closing.
			if r.breaker != nil {
				r.breaker.RecordSuccess(key)
			}
			span.SetStatus(codes.Error, "budget exceeded")
			return zero, err
		}

		retryable := r.cfg.Classifier.Retryable(err)
		if !retryable || attempt >= r.cfg.MaxRetries {
			if r.breaker != nil {
				r.breaker.RecordFailure(key)
			}
			if !retryable {
				span.SetStatus(codes.Error, "non-retryable")
				return zero, err
			}
			r.exhausted(key, attempt+1, err)
			span.SetStatus(codes.Error, "exhausted")
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt+1, err)
		}

		delay := r.Delay(attempt)
		r.scheduled(key, attempt+1, delay, err)
		if err := r.sleep(ctx, delay); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return zero, err
		}
	}
}

func (r *Retrier) scheduled(key string, attempt int, delay time.Duration, err error) {
	r.logger.Warn("retrying after failure",
		"circuit", key,
		"attempt", attempt,
		"max_retries", r.cfg.MaxRetries,
		"delay", delay,
		"error", err,
	)
	r.emitter.Emit(events.Event{
		Timestamp: r.now(),
		Name:      events.RetryAttempt,
		Fields: map[string]any{
			"key":      key,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		},
	})
	r.metrics.IncRetry(key)
}

func (r *Retrier) exhausted(key string, attempts int, err error) {
	r.logger.Error("retries exhausted",
		"circuit", key,
		"attempts", attempts,
		"error", err,
	)
	r.emitter.Emit(events.Event{
		Timestamp: r.now(),
		Name:      events.RetryExhausted,
		Fields: map[string]any{
			"key":      key,
			"attempts": attempts,
			"error":    err.Error(),
		},
	})
}

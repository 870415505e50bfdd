package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/tokenguard/internal/fault"
	"github.com/flemzord/tokenguard/internal/optimize"
	"github.com/flemzord/tokenguard/internal/recovery"
	"github.com/flemzord/tokenguard/internal/retry"
	"github.com/flemzord/tokenguard/internal/upstream"
)

// ErrRecoveryFailed wraps the last error of a budget recovery that gave up.
var ErrRecoveryFailed = errors.New("guard: budget recovery failed")

// Call describes one request to a model endpoint.
type Call struct {
	// Endpoint selects the budget.
	Endpoint string
	// CircuitKey selects the circuit. Empty means Endpoint.
	CircuitKey string
	// Request is the content to send.
	Request optimize.Request
}

func (c Call) key() string {
	if c.CircuitKey != "" {
		return c.CircuitKey
	}
	return c.Endpoint
}

// Result describes what Do finally sent and got back.
type Result[T any] struct {
	Value        T
	Request      optimize.Request
	Level        optimize.Level
	TokensBefore int
	TokensAfter  int
	Recovered    bool
}

// Saved returns how many tokens were removed before the final send.
func (r Result[T]) Saved() int {
	return r.TokensBefore - r.TokensAfter
}

// Do sends call.Request through fn with every protection applied:
//
//  1. the request is optimized at the normal level against the endpoint's
//     effective limit;
//  2. fn runs under the retry policy and the circuit of call;
//  3. the outcome is recorded against the endpoint budget;
//  4. a budget failure hands over to recovery, which escalates
//     optimization and calls fn again.
//
// Errors returned by fn are classified with upstream.Classify, so SDK
// and HTTP errors may be returned as is. Circuit rejections and
// cancellation are returned without touching the budget.
func Do[T any](ctx context.Context, g *Guard, call Call, fn func(context.Context, optimize.Request) (T, error)) (Result[T], error) {
	res := Result[T]{Request: call.Request, Level: optimize.Normal}

	limit := g.budget.Limit(call.Endpoint)
	pre, err := g.optimizer.Optimize(call.Request, limit, optimize.Normal)
	if err != nil {
		return res, fmt.Errorf("guard: optimize: %w", err)
	}
	res.Request = pre.Request
	res.TokensBefore = pre.TokensBefore
	res.TokensAfter = pre.TokensAfter
	if pre.Optimized {
		g.metrics.AddTokensSaved(pre.Saved())
		g.logger.Debug("request optimized before send",
			"endpoint", call.Endpoint,
			"tokens_before", pre.TokensBefore,
			"tokens_after", pre.TokensAfter,
			"limit", limit,
		)
	}

	send := func(req optimize.Request) func(context.Context) (T, error) {
		return func(ctx context.Context) (T, error) {
			v, err := fn(ctx, req)
			return v, upstream.Classify(call.Endpoint, err)
		}
	}

	v, err := retry.Do(ctx, g.retrier, call.key(), send(pre.Request))
	switch {
	case err == nil:
		g.budget.RecordSuccess(call.Endpoint)
		res.Value = v
		return res, nil
	case ctx.Err() != nil, fault.IsCircuitOpen(err):
		return res, err
	case !fault.IsBudgetExceeded(err):
		g.budget.RecordFailure(call.Endpoint, false)
		return res, err
	}

	// Recovery records its own budget outcomes, including this failure.
	rec := recovery.Handle(ctx, g.recovery, err, call.Endpoint, call.Request,
		func(ctx context.Context, req optimize.Request) (T, error) {
			return retry.Do(ctx, g.retrier, call.key(), send(req))
		})
	res.Level = rec.Level
	res.TokensBefore = rec.TokensBefore
	res.TokensAfter = rec.TokensAfter
	if !rec.Success {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("%w at %s level (%d tokens saved): %w",
			ErrRecoveryFailed, rec.Level, rec.TokensSaved, rec.Err)
	}
	res.Value = rec.Value
	res.Request = rec.Request
	res.Recovered = true
	return res, nil
}

// Instrument wraps op so that every call is counted and timed under name
// in Prometheus and logged at debug level.
func Instrument[T any](g *Guard, name string, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		start := g.now()
		v, err := op(ctx)
		elapsed := g.since(start)

		g.metrics.ObserveCall(name, err, elapsed)
		if err != nil {
			g.logger.Debug("instrumented call failed", "operation", name, "elapsed", elapsed, "error", err)
		} else {
			g.logger.Debug("instrumented call", "operation", name, "elapsed", elapsed)
		}
		return v, err
	}
}

// since is the elapsed time according to the Guard's clock.
func (g *Guard) since(t time.Time) time.Duration {
	return g.now().Sub(t)
}

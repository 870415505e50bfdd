// Package budget implements the adaptive per-endpoint token limit. Budget
// failures shrink the limit multiplicatively; sustained success restores it
// slowly, never above the configured original.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/logging"
	"github.com/flemzord/tokenguard/internal/metrics"
)

// epsilon absorbs float error in limit arithmetic (e.g. 810*0.9 = 728.9999...).
const epsilon = 1e-9

// Direction is the sign of a limit adjustment.
type Direction int

// Adjustment directions.
const (
	Decrease Direction = iota
	Increase
)

// String returns "decrease" or "increase".
func (d Direction) String() string {
	switch d {
	case Decrease:
		return "decrease"
	case Increase:
		return "increase"
	default:
		return "unknown"
	}
}

// ErrInvalidLimit is returned by Register for a non-positive limit.
var ErrInvalidLimit = errors.New("budget: limit must be > 0")

// Option configures optional Controller behavior.
type Option func(*Controller)

// WithLogger injects a structured logger. When nil or omitted, log output
// is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithEmitter sets the destination of token_limit_adjustment events.
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithMetrics records limits and outcomes in Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the budget store and applies the adjustment loop.
// It is safe for concurrent use; different endpoints never contend.
type Controller struct {
	cfg     Config
	store   *store
	logger  *slog.Logger
	emitter events.Emitter
	metrics *metrics.Recorder
	now     func() time.Time
}

// New creates a Controller. Zero-valued factors take their defaults; the
// resulting config is validated.
func New(cfg Config, opts ...Option) (*Controller, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, store: newStore(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	c.emitter = events.OrNop(c.emitter)

	for id, limit := range cfg.Limits {
		c.store.get(id, limit)
		c.metrics.SetLimit(id, limit)
	}
	return c, nil
}

// entry returns the state for id, creating it lazily with its configured
// (or default) original limit.
func (c *Controller) entry(id string) *state {
	original, ok := c.cfg.Limits[id]
	if !ok {
		original = c.cfg.DefaultLimit
	}
	st, created := c.store.get(id, original)
	if created {
		c.metrics.SetLimit(id, original)
	}
	return st
}

// Register declares an endpoint at runtime. Known endpoints keep their
// original limit; the result reports whether id was newly added.
func (c *Controller) Register(id string, limit int) (bool, error) {
	if limit < 1 {
		return false, fmt.Errorf("%w: %q got %d", ErrInvalidLimit, id, limit)
	}
	_, created := c.store.get(id, limit)
	if created {
		c.metrics.SetLimit(id, limit)
		c.logger.Info("endpoint registered", "endpoint", id, "limit", limit)
	}
	return created, nil
}

// Limit returns the effective limit for id: the current adaptive limit
// shaved by the safety margin.
func (c *Controller) Limit(id string) int {
	st := c.entry(id)
	st.mu.Lock()
	cur := st.current
	st.mu.Unlock()
	return c.effective(cur)
}

func (c *Controller) effective(current int) int {
	return int(math.Floor(float64(current)*(1-c.cfg.SafetyMargin) + epsilon))
}

// floor is the lowest current limit allowed for an original limit.
func (c *Controller) floor(original int) int {
	f := int(math.Ceil(float64(original)*c.cfg.MinReductionFactor - epsilon))
	return max(f, 1)
}

// adjustment describes a limit change, collected under the entry lock and
// reported after it is released.
type adjustment struct {
	id        string
	direction Direction
	from, to  int
	original  int
	at        time.Time
}

// adjustLocked applies one multiplicative step. Caller holds st.mu.
func (c *Controller) adjustLocked(st *state, dir Direction) adjustment {
	old := st.current
	next := old
	switch dir {
	case Decrease:
		next = int(math.Floor(float64(old)*c.cfg.ReductionFactor + epsilon))
		next = max(next, c.floor(st.original))
	case Increase:
		next = int(math.Floor(float64(old)*c.cfg.RecoveryFactor + epsilon))
		if next <= old {
			next = old + 1
		}
		next = min(next, st.original)
	}

	at := c.now()
	if next != old {
		st.current = next
		st.lastAdjustedAt = at
	}
	return adjustment{id: st.id, direction: dir, from: old, to: next, original: st.original, at: at}
}

// report logs, emits and records an adjustment. Must be called without
// holding the entry lock.
func (c *Controller) report(a adjustment) {
	if a.from == a.to {
		c.logger.Debug("token limit at bound",
			"endpoint", a.id,
			"direction", a.direction.String(),
			"limit", a.to,
		)
		return
	}

	log := c.logger.Info
	if a.direction == Decrease {
		log = c.logger.Warn
	}
	log("token limit adjusted",
		"endpoint", a.id,
		"direction", a.direction.String(),
		"old_limit", a.from,
		"new_limit", a.to,
		"original_limit", a.original,
	)

	c.emitter.Emit(events.Event{
		Timestamp: a.at,
		Name:      events.LimitAdjustment,
		Fields: map[string]any{
			"endpoint":       a.id,
			"direction":      a.direction.String(),
			"old_limit":      a.from,
			"new_limit":      a.to,
			"original_limit": a.original,
		},
	})
	c.metrics.IncAdjustment(a.id, a.direction.String())
	c.metrics.SetLimit(a.id, a.to)
}

// Adjust applies one step in dir and returns the new current limit.
func (c *Controller) Adjust(id string, dir Direction) int {
	st := c.entry(id)
	st.mu.Lock()
	a := c.adjustLocked(st, dir)
	st.mu.Unlock()

	c.report(a)
	return a.to
}

// RecordSuccess counts a successful call. Every SuccessesForRecovery
// consecutive successes trigger an increase.
func (c *Controller) RecordSuccess(id string) {
	st := c.entry(id)

	st.mu.Lock()
	st.totalCalls++
	st.successfulCalls++
	st.consecutiveSuccesses++
	var (
		a        adjustment
		adjusted bool
	)
	if st.consecutiveSuccesses >= c.cfg.SuccessesForRecovery {
		a = c.adjustLocked(st, Increase)
		adjusted = true
		st.consecutiveSuccesses = 0
	}
	st.mu.Unlock()

	c.metrics.IncCall(id, "success")
	if adjusted {
		c.report(a)
	}
}

// RecordFailure counts a failed call. Budget failures also trigger a decrease.
func (c *Controller) RecordFailure(id string, budgetExceeded bool) {
	st := c.entry(id)

	st.mu.Lock()
	st.totalCalls++
	st.consecutiveSuccesses = 0
	var a adjustment
	if budgetExceeded {
		st.budgetExceededErrors++
		a = c.adjustLocked(st, Decrease)
	} else {
		st.otherErrors++
	}
	st.mu.Unlock()

	if budgetExceeded {
		c.metrics.IncCall(id, "budget_exceeded")
		c.report(a)
		return
	}
	c.metrics.IncCall(id, "error")
}

// EndpointStats is a point-in-time view of one endpoint.
type EndpointStats struct {
	Endpoint             string    `json:"endpoint"`
	OriginalLimit        int       `json:"original_limit"`
	CurrentLimit         int       `json:"current_limit"`
	EffectiveLimit       int       `json:"effective_limit"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalCalls           int64     `json:"total_calls"`
	SuccessfulCalls      int64     `json:"successful_calls"`
	BudgetExceededErrors int64     `json:"budget_exceeded_errors"`
	OtherErrors          int64     `json:"other_errors"`
	SuccessRate          float64   `json:"success_rate"`
	LastAdjustedAt       time.Time `json:"last_adjusted_at,omitzero"`
}

// Report aggregates every known endpoint.
type Report struct {
	TotalCalls           int64           `json:"total_calls"`
	SuccessfulCalls      int64           `json:"successful_calls"`
	BudgetExceededErrors int64           `json:"budget_exceeded_errors"`
	OtherErrors          int64           `json:"other_errors"`
	SuccessRate          float64         `json:"success_rate"`
	Endpoints            []EndpointStats `json:"endpoints"`
}

func (c *Controller) snapshot(st *state) EndpointStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := EndpointStats{
		Endpoint:             st.id,
		OriginalLimit:        st.original,
		CurrentLimit:         st.current,
		EffectiveLimit:       c.effective(st.current),
		ConsecutiveSuccesses: st.consecutiveSuccesses,
		TotalCalls:           st.totalCalls,
		SuccessfulCalls:      st.successfulCalls,
		BudgetExceededErrors: st.budgetExceededErrors,
		OtherErrors:          st.otherErrors,
		LastAdjustedAt:       st.lastAdjustedAt,
	}
	s.SuccessRate = rate(s.SuccessfulCalls, s.TotalCalls)
	return s
}

func rate(ok, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

// EndpointStatistics returns the snapshot of a known endpoint.
func (c *Controller) EndpointStatistics(id string) (EndpointStats, bool) {
	st, ok := c.store.lookup(id)
	if !ok {
		return EndpointStats{}, false
	}
	return c.snapshot(st), true
}

// Statistics returns a snapshot of every known endpoint, sorted by identifier.
func (c *Controller) Statistics() Report {
	entries := c.store.all()
	r := Report{Endpoints: make([]EndpointStats, 0, len(entries))}
	for _, st := range entries {
		s := c.snapshot(st)
		r.TotalCalls += s.TotalCalls
		r.SuccessfulCalls += s.SuccessfulCalls
		r.BudgetExceededErrors += s.BudgetExceededErrors
		r.OtherErrors += s.OtherErrors
		r.Endpoints = append(r.Endpoints, s)
	}
	r.SuccessRate = rate(r.SuccessfulCalls, r.TotalCalls)
	return r
}

// ResetStatistics zeroes every counter and restores each current limit to
// its original value.
func (c *Controller) ResetStatistics() {
	entries := c.store.all()
	for _, st := range entries {
		st.mu.Lock()
		st.current = st.original
		st.consecutiveSuccesses = 0
		st.totalCalls = 0
		st.successfulCalls = 0
		st.budgetExceededErrors = 0
		st.otherErrors = 0
		st.lastAdjustedAt = time.Time{}
		st.mu.Unlock()
		c.metrics.SetLimit(st.id, st.original)
	}

	c.logger.Info("budget statistics reset", "endpoints", len(entries))
	c.emitter.Emit(events.Event{
		Timestamp: c.now(),
		Name:      events.StatisticsReset,
		Fields:    map[string]any{"endpoints": len(entries)},
	})
}

// Package breaker implements per-key circuit breakers with closed, open and
// half-open states.
//
// Half-open trial slots are consumed by Allow (a call attempt), never by
// IsOpen (a status check), so polling a circuit cannot starve its trials.
package breaker

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/fault"
	"github.com/flemzord/tokenguard/internal/logging"
	"github.com/flemzord/tokenguard/internal/metrics"
)

// State is the position of a circuit in its state machine.
type State int

// Circuit states. The numeric values are exported as the circuit_state gauge.
const (
	Closed State = iota
	HalfOpen
	Open
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "half-open":
		*s = HalfOpen
	case "open":
		*s = Open
	default:
		return fmt.Errorf("breaker: unknown state %q", b)
	}
	return nil
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long a circuit stays open before admitting
	// trials. Default: 60s.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the number of trial calls admitted while
	// half-open. Default: 1.
	HalfOpenMaxCalls int
}

// defaults fills zero-value fields with sensible defaults.
func (c *Config) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

// circuit is the state of one key. Fields below mu are guarded by it.
type circuit struct {
	key string

	mu       sync.Mutex
	state    State
	failures int
	calls    int
	openedAt time.Time
	trialAt  time.Time // start of the current half-open trial window
	timer    *time.Timer
	gen      uint64
}

// transition is a state change collected under the circuit lock and
// reported after it is released.
type transition struct {
	key      string
	from, to State
	failures int
	at       time.Time
}

// Option configures optional Breaker behavior.
type Option func(*Breaker)

// WithLogger injects a structured logger. When nil or omitted, log output
// is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithEmitter sets the destination of circuit_breaker_* events.
func WithEmitter(e events.Emitter) Option {
	return func(b *Breaker) { b.emitter = e }
}

// WithMetrics exports circuit states to Prometheus.
func WithMetrics(m *metrics.Recorder) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithClock overrides time.Now for the lazy open to half-open check.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is a registry of circuits keyed by operation. Keys never contend
// with each other: the registry lock only guards lookup and creation.
type Breaker struct {
	cfg     Config
	logger  *slog.Logger
	emitter events.Emitter
	metrics *metrics.Recorder
	now     func() time.Time

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.defaults()
	b := &Breaker{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	b.emitter = events.OrNop(b.emitter)
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) lookup(key string) (*circuit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.circuits[key]
	return c, ok
}

func (b *Breaker) getOrCreate(key string) *circuit {
	if c, ok := b.lookup(key); ok {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c
	}
	c := &circuit{key: key, state: Closed}
	b.circuits[key] = c
	return c
}

// setState changes state and returns the transition. Caller holds c.mu.
func (b *Breaker) setState(c *circuit, to State) transition {
	t := transition{key: c.key, from: c.state, to: to, at: b.now()}
	c.state = to
	switch to {
	case Open:
		c.openedAt = t.at
		c.calls = 0
		b.scheduleLocked(c)
	case HalfOpen:
		c.calls = 0
		c.trialAt = t.at
	case Closed:
		c.failures = 0
		c.calls = 0
		c.openedAt = time.Time{}
		b.cancelLocked(c)
	}
	t.failures = c.failures
	return t
}

// scheduleLocked arms the open to half-open timer. Firings from an older
// generation are ignored. Caller holds c.mu.
func (b *Breaker) scheduleLocked(c *circuit) {
	b.cancelLocked(c)
	gen := c.gen
	c.timer = time.AfterFunc(b.cfg.ResetTimeout, func() { b.expire(c, gen) })
}

// cancelLocked stops any pending timer and invalidates its generation.
// Caller holds c.mu.
func (b *Breaker) cancelLocked(c *circuit) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (b *Breaker) expire(c *circuit, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Open {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	t := b.setState(c, HalfOpen)
	c.mu.Unlock()

	b.report(t)
}

// refreshLocked performs the lazy open to half-open transition when the
// reset timeout has elapsed by the injected clock. A half-open circuit whose
// trials never reported back gets a fresh trial window after the same
// timeout. Caller holds c.mu.
func (b *Breaker) refreshLocked(c *circuit) (transition, bool) {
	now := b.now()
	switch c.state {
	case Open:
		if now.Before(c.openedAt.Add(b.cfg.ResetTimeout)) {
			return transition{}, false
		}
		b.cancelLocked(c)
		return b.setState(c, HalfOpen), true
	case HalfOpen:
		if c.calls >= b.cfg.HalfOpenMaxCalls && !now.Before(c.trialAt.Add(b.cfg.ResetTimeout)) {
			c.calls = 0
			c.trialAt = now
		}
	}
	return transition{}, false
}

func (b *Breaker) report(t transition) {
	if t.from == t.to {
		return
	}

	var name events.Name
	switch t.to {
	case Open:
		name = events.CircuitOpened
		b.logger.Warn("circuit opened",
			"circuit", t.key,
			"failures", t.failures,
			"reset_timeout", b.cfg.ResetTimeout,
		)
	case HalfOpen:
		name = events.CircuitHalfOpen
		b.logger.Info("circuit half-open", "circuit", t.key)
	case Closed:
		name = events.CircuitClosed
		b.logger.Info("circuit closed", "circuit", t.key, "from", t.from.String())
	}

	b.emitter.Emit(events.Event{
		Timestamp: t.at,
		Name:      name,
		Fields: map[string]any{
			"key":      t.key,
			"from":     t.from.String(),
			"to":       t.to.String(),
			"failures": t.failures,
		},
	})
	b.metrics.SetCircuitState(t.key, int(t.to))
}

// IsOpen reports whether a call for key would currently be rejected: the
// circuit is open, or half-open with every trial slot taken. It never
// consumes a trial slot.
func (b *Breaker) IsOpen(key string) bool {
	c, ok := b.lookup(key)
	if !ok {
		return false
	}

	c.mu.Lock()
	t, changed := b.refreshLocked(c)
	open := c.state == Open || (c.state == HalfOpen && c.calls >= b.cfg.HalfOpenMaxCalls)
	c.mu.Unlock()

	if changed {
		b.report(t)
	}
	return open
}

// Allow admits a call attempt for key. While half-open it consumes one of
// the HalfOpenMaxCalls trial slots. A rejected attempt returns an error
// matching fault.ErrCircuitOpen.
func (b *Breaker) Allow(key string) error {
	c, ok := b.lookup(key)
	if !ok {
		return nil
	}

	c.mu.Lock()
	t, changed := b.refreshLocked(c)
	var err error
	switch c.state {
	case Open:
		err = fault.CircuitOpen(key)
	case HalfOpen:
		if c.calls >= b.cfg.HalfOpenMaxCalls {
			err = fault.CircuitOpen(key)
		} else {
			c.calls++
		}
	}
	c.mu.Unlock()

	if changed {
		b.report(t)
	}
	return err
}

// RecordSuccess closes a half-open circuit and zeroes the failure counter
// of a closed one. An open circuit ignores it: the call was admitted before
// the circuit opened and must not cut the cooldown short.
func (b *Breaker) RecordSuccess(key string) {
	c, ok := b.lookup(key)
	if !ok {
		return
	}

	c.mu.Lock()
	var t transition
	switch c.state {
	case Closed:
		c.failures = 0
	case HalfOpen:
		t = b.setState(c, Closed)
	}
	c.mu.Unlock()

	b.report(t)
}

// RecordFailure counts a failure. A closed circuit opens at the threshold;
// a half-open circuit re-opens immediately and reschedules its timeout.
func (b *Breaker) RecordFailure(key string) {
	c := b.getOrCreate(key)

	c.mu.Lock()
	c.failures++
	var t transition
	switch c.state {
	case Closed:
		if c.failures >= b.cfg.FailureThreshold {
			t = b.setState(c, Open)
		}
	case HalfOpen:
		t = b.setState(c, Open)
	}
	c.mu.Unlock()

	b.report(t)
}

// Open forces key open and (re)starts its reset timeout.
func (b *Breaker) Open(key string) {
	c := b.getOrCreate(key)

	c.mu.Lock()
	t := b.setState(c, Open)
	c.mu.Unlock()

	if t.from == Open {
		b.logger.Info("circuit re-opened manually", "circuit", key)
		return
	}
	b.report(t)
}

// Close resets key to closed with zeroed counters and cancels any pending
// timer. Closing an unknown key is a no-op.
func (b *Breaker) Close(key string) {
	c, ok := b.lookup(key)
	if !ok {
		return
	}

	c.mu.Lock()
	var t transition
	if c.state == Closed {
		c.failures = 0
		c.calls = 0
	} else {
		t = b.setState(c, Closed)
	}
	c.mu.Unlock()

	b.report(t)
}

// Status is a point-in-time view of one circuit.
type Status struct {
	Key           string    `json:"key"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	HalfOpenCalls int       `json:"half_open_calls"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

func (b *Breaker) status(c *circuit) Status {
	c.mu.Lock()
	t, changed := b.refreshLocked(c)
	s := Status{
		Key:           c.key,
		State:         c.state,
		Failures:      c.failures,
		HalfOpenCalls: c.calls,
		OpenedAt:      c.openedAt,
	}
	if c.state == Open {
		s.NextAttemptAt = c.openedAt.Add(b.cfg.ResetTimeout)
	}
	c.mu.Unlock()

	if changed {
		b.report(t)
	}
	return s
}

// Status returns the status of key. Unknown keys are reported closed.
func (b *Breaker) Status(key string) Status {
	c, ok := b.lookup(key)
	if !ok {
		return Status{Key: key, State: Closed}
	}
	return b.status(c)
}

// Statuses returns the status of every known circuit, sorted by key.
func (b *Breaker) Statuses() []Status {
	b.mu.RLock()
	list := make([]*circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		list = append(list, c)
	}
	b.mu.RUnlock()

	slices.SortFunc(list, func(x, y *circuit) int { return strings.Compare(x.key, y.key) })
	out := make([]Status, 0, len(list))
	for _, c := range list {
		out = append(out, b.status(c))
	}
	return out
}

// AnyOpen reports whether at least one circuit is open.
func (b *Breaker) AnyOpen() bool {
	for _, s := range b.Statuses() {
		if s.State == Open {
			return true
		}
	}
	return false
}

// Stop cancels every pending reset timer. Circuits still transition lazily
// on access afterwards.
func (b *Breaker) Stop() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.circuits {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()
	}
}

package budget

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/events/eventstest"
)

type fakeTime struct {
	mu      sync.Mutex
	current time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

func newTestController(t *testing.T, limits map[string]int) (*Controller, *eventstest.Recorder, *fakeTime) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Limits = limits
	rec := &eventstest.Recorder{}
	ft := &fakeTime{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(cfg, WithEmitter(rec), WithClock(ft.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, rec, ft
}

func currentLimit(t *testing.T, c *Controller, id string) int {
	t.Helper()
	s, ok := c.EndpointStatistics(id)
	if !ok {
		t.Fatalf("endpoint %q unknown", id)
	}
	return s.CurrentLimit
}

func TestController_LimitAppliesSafetyMargin(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000})

	if got := c.Limit("api"); got != 900 {
		t.Errorf("Limit = %d, want 900", got)
	}
}

func TestController_ThreeBudgetFailures(t *testing.T) {
	t.Parallel()
	c, rec, _ := newTestController(t, map[string]int{"api": 1000})

	want := []int{900, 810, 729}
	for i, w := range want {
		c.RecordFailure("api", true)
		if got := currentLimit(t, c, "api"); got != w {
			t.Fatalf("after failure %d: current = %d, want %d", i+1, got, w)
		}
	}
	if got := c.Limit("api"); got != 656 {
		t.Errorf("Limit after three failures = %d, want 656", got)
	}

	adj := rec.Named(events.LimitAdjustment)
	if len(adj) != 3 {
		t.Fatalf("expected 3 adjustment events, got %d", len(adj))
	}
	last := adj[2].Fields
	if last["old_limit"] != 810 || last["new_limit"] != 729 || last["direction"] != "decrease" {
		t.Errorf("unexpected event fields: %v", last)
	}
}

func TestController_RecoveryAfterConsecutiveSuccesses(t *testing.T) {
	t.Parallel()
	c, _, ft := newTestController(t, map[string]int{"api": 1000})

	c.RecordFailure("api", true) // 900
	ft.Advance(time.Minute)

	c.RecordSuccess("api")
	c.RecordSuccess("api")
	if got := currentLimit(t, c, "api"); got != 900 {
		t.Fatalf("increase before threshold: current = %d", got)
	}

	c.RecordSuccess("api")
	if got := currentLimit(t, c, "api"); got != 945 {
		t.Fatalf("current = %d, want 945", got)
	}

	s, _ := c.EndpointStatistics("api")
	if s.ConsecutiveSuccesses != 0 {
		t.Errorf("consecutive successes not reset: %d", s.ConsecutiveSuccesses)
	}
	if !s.LastAdjustedAt.Equal(ft.Now()) {
		t.Errorf("LastAdjustedAt = %v, want %v", s.LastAdjustedAt, ft.Now())
	}
}

func TestController_IncreaseClampedAtOriginal(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000})

	c.RecordFailure("api", true) // 900
	for range 3 {
		c.RecordSuccess("api")
	}
	for range 3 {
		c.RecordSuccess("api")
	}
	if got := currentLimit(t, c, "api"); got != 992 {
		t.Fatalf("current = %d, want 992", got)
	}
	for range 3 {
		c.RecordSuccess("api")
	}
	if got := currentLimit(t, c, "api"); got != 1000 {
		t.Fatalf("current = %d, want 1000 (clamped)", got)
	}
	for range 3 {
		c.RecordSuccess("api")
	}
	if got := currentLimit(t, c, "api"); got != 1000 {
		t.Fatalf("current = %d, must not exceed original", got)
	}
}

func TestController_DecreaseClampedAtFloor(t *testing.T) {
	t.Parallel()
	c, rec, _ := newTestController(t, map[string]int{"api": 1000})

	for range 20 {
		c.RecordFailure("api", true)
	}
	if got := currentLimit(t, c, "api"); got != 500 {
		t.Fatalf("current = %d, want floor 500", got)
	}
	// 1000→900→810→729→656→590→531→500, then at bound.
	if n := rec.Count(events.LimitAdjustment); n != 7 {
		t.Errorf("adjustment events = %d, want 7", n)
	}
}

func TestController_SmallLimitIncreaseMakesProgress(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"tiny": 10})

	if got := c.Adjust("tiny", Decrease); got != 9 {
		t.Fatalf("decrease = %d, want 9", got)
	}
	// 9*1.05 floors to 9; the step must still move up.
	if got := c.Adjust("tiny", Increase); got != 10 {
		t.Fatalf("increase = %d, want 10", got)
	}
}

func TestController_FailureResetsConsecutiveSuccesses(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000})

	c.RecordFailure("api", true) // 900
	c.RecordSuccess("api")
	c.RecordSuccess("api")
	c.RecordFailure("api", false)
	c.RecordSuccess("api")
	c.RecordSuccess("api")

	if got := currentLimit(t, c, "api"); got != 900 {
		t.Fatalf("current = %d, want 900 (no recovery)", got)
	}
	s, _ := c.EndpointStatistics("api")
	if s.TotalCalls != 6 || s.SuccessfulCalls != 4 || s.BudgetExceededErrors != 1 || s.OtherErrors != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestController_NonBudgetFailureKeepsLimit(t *testing.T) {
	t.Parallel()
	c, rec, _ := newTestController(t, map[string]int{"api": 1000})

	c.RecordFailure("api", false)
	if got := currentLimit(t, c, "api"); got != 1000 {
		t.Fatalf("current = %d, want 1000", got)
	}
	if rec.Count(events.LimitAdjustment) != 0 {
		t.Error("non-budget failure must not adjust")
	}
}

func TestController_UnknownEndpointUsesDefault(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, nil)

	if _, ok := c.EndpointStatistics("new"); ok {
		t.Fatal("endpoint should not exist before first reference")
	}
	if got := c.Limit("new"); got != 3686 {
		t.Errorf("Limit = %d", got)
	}
	s, ok := c.EndpointStatistics("new")
	if !ok || s.OriginalLimit != DefaultLimit {
		t.Errorf("lazy entry = %+v, ok=%v", s, ok)
	}
}

func TestController_Register(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000})

	added, err := c.Register("other", 2000)
	if err != nil || !added {
		t.Fatalf("Register(other) = %v, %v", added, err)
	}
	if got := c.Limit("other"); got != 1800 {
		t.Errorf("Limit(other) = %d, want 1800", got)
	}

	added, err = c.Register("api", 5000)
	if err != nil || added {
		t.Fatalf("Register(api) = %v, %v; existing endpoints keep their limit", added, err)
	}
	if got := currentLimit(t, c, "api"); got != 1000 {
		t.Errorf("original changed: %d", got)
	}

	if _, err := c.Register("bad", 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestController_StatisticsAndReset(t *testing.T) {
	t.Parallel()
	c, rec, _ := newTestController(t, map[string]int{"b": 1000, "a": 2000})

	c.RecordSuccess("a")
	c.RecordFailure("a", true)
	c.RecordFailure("b", false)
	c.RecordSuccess("b")

	r := c.Statistics()
	if len(r.Endpoints) != 2 || r.Endpoints[0].Endpoint != "a" || r.Endpoints[1].Endpoint != "b" {
		t.Fatalf("endpoints not sorted: %+v", r.Endpoints)
	}
	if r.TotalCalls != 4 || r.SuccessfulCalls != 2 || r.SuccessRate != 0.5 {
		t.Errorf("totals = %+v", r)
	}
	if r.Endpoints[0].CurrentLimit != 1800 || r.Endpoints[0].EffectiveLimit != 1620 {
		t.Errorf("a = %+v", r.Endpoints[0])
	}

	c.ResetStatistics()
	r = c.Statistics()
	if r.TotalCalls != 0 {
		t.Errorf("TotalCalls after reset = %d", r.TotalCalls)
	}
	if r.Endpoints[0].CurrentLimit != 2000 || !r.Endpoints[0].LastAdjustedAt.IsZero() {
		t.Errorf("a after reset = %+v", r.Endpoints[0])
	}
	if rec.Count(events.StatisticsReset) != 1 {
		t.Error("expected a statistics_reset event")
	}
}

func TestController_BoundsHoldForRandomSequences(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000, "odd": 37})
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 5000 {
		id := "api"
		if i%2 == 1 {
			id = "odd"
		}
		switch rng.IntN(3) {
		case 0:
			c.RecordSuccess(id)
		case 1:
			c.RecordFailure(id, true)
		default:
			c.RecordFailure(id, false)
		}

		s, _ := c.EndpointStatistics(id)
		floor := float64(s.OriginalLimit) * DefaultMinReductionFactor
		if float64(s.CurrentLimit) < floor || s.CurrentLimit > s.OriginalLimit {
			t.Fatalf("step %d: %s current=%d outside [%g, %d]", i, id, s.CurrentLimit, floor, s.OriginalLimit)
		}
	}
}

func TestController_ConcurrentFailures(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, map[string]int{"api": 1000})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordFailure("api", true)
			c.RecordSuccess("other")
		}()
	}
	wg.Wait()

	s, _ := c.EndpointStatistics("api")
	if s.TotalCalls != 100 || s.BudgetExceededErrors != 100 {
		t.Errorf("lost updates: %+v", s)
	}
	if s.CurrentLimit != 500 {
		t.Errorf("current = %d, want 500", s.CurrentLimit)
	}
	o, _ := c.EndpointStatistics("other")
	if o.SuccessfulCalls != 100 {
		t.Errorf("other successes = %d", o.SuccessfulCalls)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"safety margin too high", func(c *Config) { c.SafetyMargin = 0.5 }},
		{"negative safety margin", func(c *Config) { c.SafetyMargin = -0.1 }},
		{"reduction factor 1", func(c *Config) { c.ReductionFactor = 1 }},
		{"recovery factor below 1", func(c *Config) { c.RecoveryFactor = 0.9 }},
		{"recovery factor above 2", func(c *Config) { c.RecoveryFactor = 2.5 }},
		{"min reduction above 1", func(c *Config) { c.MinReductionFactor = 1.5 }},
		{"negative successes", func(c *Config) { c.SuccessesForRecovery = -1 }},
		{"zero endpoint limit", func(c *Config) { c.Limits = map[string]int{"x": 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// SafetyMargin zero is honoured.
	if got := c.Limit("x"); got != DefaultLimit {
		t.Errorf("Limit = %d, want %d", got, DefaultLimit)
	}
}

func TestDirection_String(t *testing.T) {
	t.Parallel()
	if Decrease.String() != "decrease" || Increase.String() != "increase" || Direction(9).String() != "unknown" {
		t.Error("unexpected Direction strings")
	}
}

package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/events/eventstest"
	"github.com/flemzord/tokenguard/internal/fault"
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

// newTestBreaker uses an hour-long real timeout so only the fake clock
// drives transitions.
func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeTime, *eventstest.Recorder) {
	t.Helper()
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = time.Hour
	}
	ft := &fakeTime{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &eventstest.Recorder{}
	b := New(cfg, WithClock(ft.Now), WithEmitter(rec))
	t.Cleanup(b.Stop)
	return b, ft, rec
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, Config{})

	if b.IsOpen("svc") {
		t.Error("unknown key should be closed")
	}
	if err := b.Allow("svc"); err != nil {
		t.Errorf("Allow = %v", err)
	}
	if s := b.Status("svc"); s.State != Closed || s.Failures != 0 {
		t.Errorf("Status = %+v", s)
	}
	if len(b.Statuses()) != 0 {
		t.Error("queries must not create circuits")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	b, _, rec := newTestBreaker(t, Config{})

	for i := range 4 {
		b.RecordFailure("svc")
		if b.IsOpen("svc") {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	b.RecordFailure("svc")
	if !b.IsOpen("svc") {
		t.Fatal("should be open after 5 failures")
	}

	err := b.Allow("svc")
	if !fault.IsCircuitOpen(err) {
		t.Fatalf("Allow = %v, want circuit open", err)
	}
	if rec.Count(events.CircuitOpened) != 1 {
		t.Errorf("opened events = %d", rec.Count(events.CircuitOpened))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, Config{FailureThreshold: 3})

	b.RecordFailure("svc")
	b.RecordFailure("svc")
	b.RecordSuccess("svc")
	b.RecordFailure("svc")
	b.RecordFailure("svc")

	if b.IsOpen("svc") {
		t.Fatal("success should reset consecutive failures")
	}
	if s := b.Status("svc"); s.Failures != 2 {
		t.Errorf("Failures = %d, want 2", s.Failures)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()
	b, ft, rec := newTestBreaker(t, Config{FailureThreshold: 1})

	b.RecordFailure("svc")
	s := b.Status("svc")
	if s.State != Open || !s.NextAttemptAt.Equal(ft.Now().Add(time.Hour)) {
		t.Fatalf("Status = %+v", s)
	}

	ft.Advance(time.Hour - time.Second)
	if !b.IsOpen("svc") {
		t.Fatal("should stay open before the timeout")
	}

	ft.Advance(time.Second)
	if b.IsOpen("svc") {
		t.Fatal("should admit trials at exact expiry")
	}
	if got := b.Status("svc").State; got != HalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if rec.Count(events.CircuitHalfOpen) != 1 {
		t.Errorf("half-open events = %d", rec.Count(events.CircuitHalfOpen))
	}
}

func TestBreaker_HalfOpenTrialSlots(t *testing.T) {
	t.Parallel()
	b, ft, _ := newTestBreaker(t, Config{FailureThreshold: 1, HalfOpenMaxCalls: 2})

	b.RecordFailure("svc")
	ft.Advance(time.Hour)

	// Status checks never consume trials.
	for range 10 {
		if b.IsOpen("svc") {
			t.Fatal("IsOpen consumed a trial slot")
		}
	}

	if err := b.Allow("svc"); err != nil {
		t.Fatalf("trial 1: %v", err)
	}
	if err := b.Allow("svc"); err != nil {
		t.Fatalf("trial 2: %v", err)
	}
	if err := b.Allow("svc"); !fault.IsCircuitOpen(err) {
		t.Fatalf("trial 3 = %v, want rejection", err)
	}
	if !b.IsOpen("svc") {
		t.Error("half-open with no trial slots left should report open")
	}
	if s := b.Status("svc"); s.HalfOpenCalls != 2 {
		t.Errorf("HalfOpenCalls = %d", s.HalfOpenCalls)
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()
	b, ft, rec := newTestBreaker(t, Config{FailureThreshold: 2})

	b.RecordFailure("svc")
	b.RecordFailure("svc")
	ft.Advance(time.Hour)
	if err := b.Allow("svc"); err != nil {
		t.Fatalf("trial: %v", err)
	}
	b.RecordSuccess("svc")

	s := b.Status("svc")
	if s.State != Closed || s.Failures != 0 || !s.OpenedAt.IsZero() {
		t.Fatalf("Status = %+v", s)
	}
	if rec.Count(events.CircuitClosed) != 1 {
		t.Errorf("closed events = %d", rec.Count(events.CircuitClosed))
	}
}

func TestBreaker_LateSuccessKeepsCircuitOpen(t *testing.T) {
	t.Parallel()
	b, _, rec := newTestBreaker(t, Config{})

	// Admitted while closed, finishes after the circuit opened.
	if err := b.Allow("svc"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	for range 5 {
		b.RecordFailure("svc")
	}
	b.RecordSuccess("svc")

	if s := b.Status("svc"); s.State != Open {
		t.Fatalf("state = %v, want open", s.State)
	}
	if rec.Count(events.CircuitClosed) != 0 {
		t.Error("a late success must not close an open circuit")
	}

	// A forced open is not overridden either.
	b.Open("admin")
	b.RecordSuccess("admin")
	if !b.IsOpen("admin") {
		t.Error("success overrode a forced open")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, ft, rec := newTestBreaker(t, Config{FailureThreshold: 2})

	b.RecordFailure("svc")
	b.RecordFailure("svc")
	ft.Advance(time.Hour)
	_ = b.Allow("svc")
	b.RecordFailure("svc")

	s := b.Status("svc")
	if s.State != Open {
		t.Fatalf("state = %v, want open", s.State)
	}
	if !s.OpenedAt.Equal(ft.Now()) {
		t.Error("re-open must restart the timeout")
	}
	if rec.Count(events.CircuitOpened) != 2 {
		t.Errorf("opened events = %d, want 2", rec.Count(events.CircuitOpened))
	}
}

func TestBreaker_ManualOpenAndClose(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, Config{})

	b.Open("svc")
	if !b.IsOpen("svc") {
		t.Fatal("Open should force the circuit open")
	}
	if !b.AnyOpen() {
		t.Error("AnyOpen should be true")
	}

	b.Close("svc")
	if b.IsOpen("svc") {
		t.Fatal("Close should close the circuit")
	}
	if s := b.Status("svc"); s.Failures != 0 || s.State != Closed {
		t.Errorf("Status = %+v", s)
	}

	b.Close("never-seen")
	if len(b.Statuses()) != 1 {
		t.Error("closing an unknown key must not create it")
	}
}

func TestBreaker_TimerTransitionsToHalfOpen(t *testing.T) {
	t.Parallel()
	rec := &eventstest.Recorder{}
	b := New(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, WithEmitter(rec))
	t.Cleanup(b.Stop)

	b.RecordFailure("svc")

	deadline := time.Now().Add(2 * time.Second)
	for rec.Count(events.CircuitHalfOpen) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never moved the circuit to half-open")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.Status("svc").State; got != HalfOpen {
		t.Errorf("state = %v", got)
	}
}

func TestBreaker_CloseCancelsTimer(t *testing.T) {
	t.Parallel()
	rec := &eventstest.Recorder{}
	b := New(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, WithEmitter(rec))
	t.Cleanup(b.Stop)

	b.RecordFailure("svc")
	b.Close("svc")

	time.Sleep(60 * time.Millisecond)
	if rec.Count(events.CircuitHalfOpen) != 0 {
		t.Fatal("a cancelled timer must not transition the circuit")
	}
	if got := b.Status("svc").State; got != Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_StaleTimerIsNoop(t *testing.T) {
	t.Parallel()
	b, _, rec := newTestBreaker(t, Config{FailureThreshold: 1})

	b.RecordFailure("svc")
	c, _ := b.lookup("svc")
	c.mu.Lock()
	staleGen := c.gen
	c.mu.Unlock()

	b.Close("svc")
	b.expire(c, staleGen)

	if rec.Count(events.CircuitHalfOpen) != 0 || b.Status("svc").State != Closed {
		t.Fatal("stale expiry changed state")
	}
}

func TestBreaker_StatusesSorted(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBreaker(t, Config{})

	b.RecordFailure("b")
	b.RecordFailure("a")
	b.Open("c")

	got := b.Statuses()
	if len(got) != 3 || got[0].Key != "a" || got[1].Key != "b" || got[2].Key != "c" {
		t.Fatalf("Statuses = %+v", got)
	}
	if got[2].State != Open {
		t.Errorf("c state = %v", got[2].State)
	}
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	t.Parallel()
	b, _, rec := newTestBreaker(t, Config{FailureThreshold: 50})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("svc")
			_ = b.IsOpen("svc")
		}()
	}
	wg.Wait()

	if s := b.Status("svc"); s.State != Open || s.Failures != 100 {
		t.Errorf("Status = %+v", s)
	}
	if rec.Count(events.CircuitOpened) != 1 {
		t.Errorf("opened events = %d, want 1", rec.Count(events.CircuitOpened))
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Closed: "closed", HalfOpen: "half-open", Open: "open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, s := range []State{Closed, HalfOpen, Open} {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %v = %v, %v", s, got, err)
		}
	}
	var bad State
	if err := bad.UnmarshalText([]byte("ajar")); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestBreaker_AbandonedTrialWindowExpires(t *testing.T) {
	t.Parallel()
	b, ft, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	b.RecordFailure("svc")
	ft.Advance(time.Hour)
	if err := b.Allow("svc"); err != nil {
		t.Fatalf("trial: %v", err)
	}
	// The trial never reports back.
	if err := b.Allow("svc"); !fault.IsCircuitOpen(err) {
		t.Fatalf("second trial = %v, want rejection", err)
	}

	ft.Advance(time.Hour)
	if err := b.Allow("svc"); err != nil {
		t.Fatalf("new trial window should admit a call: %v", err)
	}
}

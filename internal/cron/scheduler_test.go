package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

// funcJob is a Job backed by a function.
type funcJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

func (j funcJob) Name() string     { return j.name }
func (j funcJob) Schedule() string { return j.schedule }
func (j funcJob) Run(ctx context.Context) error {
	if j.run == nil {
		return nil
	}
	return j.run(ctx)
}

func TestScheduler_RegisterJob(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	if err := s.RegisterJob(funcJob{name: "stats_snapshot", schedule: "@every 5m"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterJob(funcJob{name: "stats_snapshot", schedule: "@hourly"}); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.RegisterJob(funcJob{name: "event_retention", schedule: "@daily"}); err == nil {
		t.Fatal("registration after start should be rejected")
	}
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	_ = s.RegisterJob(funcJob{name: "stats_snapshot", schedule: "@every 5m"})
	_ = s.RegisterJob(funcJob{name: "event_retention", schedule: "whenever"})

	if err := s.Start(); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func TestScheduler_TickRecordsOutcome(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(nil)
	s.now = func() time.Time { return at }

	fail := true
	_ = s.RegisterJob(funcJob{
		name:     "event_retention",
		schedule: "@daily",
		run: func(context.Context) error {
			if fail {
				return errors.New("database is locked")
			}
			return nil
		},
	})
	sl := s.slots["event_retention"]

	s.tick(context.Background(), sl)
	st := s.Status()[0]
	if st.Runs != 1 || st.Failures != 1 || st.LastErr != "database is locked" {
		t.Fatalf("after failure: %+v", st)
	}
	if !st.LastRun.Equal(at) {
		t.Errorf("last run = %v, want %v", st.LastRun, at)
	}

	fail = false
	s.tick(context.Background(), sl)
	st = s.Status()[0]
	if st.Runs != 2 || st.Failures != 1 || st.LastErr != "" {
		t.Errorf("after success: %+v", st)
	}
}

func TestScheduler_BusyJobSkipsTick(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	ran := 0
	_ = s.RegisterJob(funcJob{
		name:     "stats_snapshot",
		schedule: "@every 1m",
		run:      func(context.Context) error { ran++; return nil },
	})
	sl := s.slots["stats_snapshot"]

	sl.running.Lock()
	s.tick(context.Background(), sl)
	sl.running.Unlock()

	st := s.Status()[0]
	if ran != 0 || st.Runs != 0 || st.Skipped != 1 {
		t.Errorf("ran = %d, status = %+v", ran, st)
	}
}

func TestScheduler_StatusSortedByName(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	_ = s.RegisterJob(funcJob{name: "stats_snapshot", schedule: "@every 5m"})
	_ = s.RegisterJob(funcJob{name: "event_retention", schedule: "@daily"})

	got := s.Status()
	if len(got) != 2 || got[0].Name != "event_retention" || got[1].Name != "stats_snapshot" {
		t.Fatalf("status = %+v", got)
	}
	if got[1].Schedule != "@every 5m" {
		t.Errorf("schedule = %q", got[1].Schedule)
	}
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 1)
	s := NewScheduler(nil)
	_ = s.RegisterJob(funcJob{
		name:     "stats_snapshot",
		schedule: "@every 1s",
		run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := NewScheduler(nil)
	_ = s.RegisterJob(funcJob{
		name:     "event_retention",
		schedule: "@every 1s",
		run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestScheduler_StopHonoursDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	s := NewScheduler(nil)
	_ = s.RegisterJob(funcJob{
		name:     "stats_snapshot",
		schedule: "@every 1s",
		run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer close(release)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	t.Parallel()

	if err := NewScheduler(nil).Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"*/5 * * * *", "@every 5m", "@hourly"} {
		if err := Parse(ok); err != nil {
			t.Errorf("Parse(%q) = %v", ok, err)
		}
	}
	if err := Parse("every now and then"); err == nil {
		t.Error("expected error")
	}
}

package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flemzord/tokenguard/internal/logging"
)

// parser accepts 5-field expressions and @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a schedule expression with the scheduler's parser.
func Parse(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// Status is a point-in-time view of one registered job.
type Status struct {
	Name     string
	Schedule string
	Runs     int64
	Failures int64
	Skipped  int64
	LastRun  time.Time
	LastErr  string
}

// slot holds a job and its counters. running guards against overlapping
// ticks of the same job.
type slot struct {
	job     Job
	running sync.Mutex

	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler runs background maintenance jobs on cron schedules. A tick that
// fires while the previous run of the same job is still busy is dropped.
type Scheduler struct {
	mu     sync.Mutex
	slots  map[string]*slot
	order  []string
	runner *cron.Cron
	stop   context.CancelFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler. A nil logger discards output.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		slots:  make(map[string]*slot),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// RegisterJob adds j. Names must be unique and registration must happen
// before Start.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner != nil {
		return fmt.Errorf("cron: cannot register %q after start", j.Name())
	}
	name := j.Name()
	if _, exists := s.slots[name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", name)
	}
	s.slots[name] = &slot{job: j}
	s.order = append(s.order, name)
	return nil
}

// Start schedules every registered job. Nothing is scheduled if one of the
// expressions is invalid.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner := cron.New(cron.WithParser(parser))
	ctx, cancel := context.WithCancel(context.Background())
	for _, name := range s.order {
		sl := s.slots[name]
		if _, err := runner.AddFunc(sl.job.Schedule(), func() { s.tick(ctx, sl) }); err != nil {
			cancel()
			return fmt.Errorf("cron: invalid schedule for job %q: %w", name, err)
		}
	}

	s.runner = runner
	s.stop = cancel
	runner.Start()
	s.logger.Info("cron: scheduler started", "jobs", len(s.order))
	return nil
}

// tick runs one scheduled execution of sl.
func (s *Scheduler) tick(ctx context.Context, sl *slot) {
	name := sl.job.Name()
	if !sl.running.TryLock() {
		sl.skipped.Add(1)
		s.logger.Warn("cron: job still running, skipping tick", "job", name)
		return
	}
	defer sl.running.Unlock()

	started := s.now()
	err := sl.job.Run(ctx)
	sl.runs.Add(1)

	sl.mu.Lock()
	sl.lastRun = started
	sl.lastErr = ""
	if err != nil {
		sl.lastErr = err.Error()
	}
	sl.mu.Unlock()

	if err != nil {
		sl.failures.Add(1)
		s.logger.Error("cron: job failed", "job", name, "error", err)
		return
	}
	s.logger.Debug("cron: job completed", "job", name, "elapsed", s.now().Sub(started))
}

// Status reports every registered job, sorted by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		st := Status{
			Name:     sl.job.Name(),
			Schedule: sl.job.Schedule(),
			LastRun:  sl.lastRun,
			LastErr:  sl.lastErr,
		}
		sl.mu.Unlock()
		st.Runs = sl.runs.Load()
		st.Failures = sl.failures.Load()
		st.Skipped = sl.skipped.Load()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels running jobs and waits for them until ctx is done. Stopping
// a scheduler that never started is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner, cancel := s.runner, s.stop
	s.mu.Unlock()

	if runner == nil {
		return nil
	}
	cancel()
	select {
	case <-runner.Stop().Done():
	case <-ctx.Done():
		return fmt.Errorf("cron: waiting for running jobs: %w", ctx.Err())
	}
	for _, st := range s.Status() {
		s.logger.Info("cron: job summary", "job", st.Name, "runs", st.Runs, "failures", st.Failures, "skipped", st.Skipped)
	}
	s.logger.Info("cron: scheduler stopped")
	return nil
}

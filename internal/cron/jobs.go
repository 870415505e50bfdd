package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/tokenguard/internal/breaker"
	"github.com/flemzord/tokenguard/internal/budget"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/logging"
)

// StatsSource provides the budget statistics to snapshot.
// *budget.Controller implements it.
type StatsSource interface {
	Statistics() budget.Report
}

// CircuitSource provides circuit statuses to snapshot.
// *breaker.Breaker implements it.
type CircuitSource interface {
	Statuses() []breaker.Status
}

// StatsSnapshotJob periodically emits a statistics_snapshot event carrying
// the budget report and every circuit status.
type StatsSnapshotJob struct {
	Stats        StatsSource
	Circuits     CircuitSource // optional
	Emitter      events.Emitter
	Logger       *slog.Logger
	ScheduleExpr string           // empty = default "*/5 * * * *"
	Now          func() time.Time // nil = time.Now
}

// Compile-time interface check.
var _ Job = (*StatsSnapshotJob)(nil)

// Name implements Job.
func (j *StatsSnapshotJob) Name() string { return "stats_snapshot" }

// Schedule implements Job.
func (j *StatsSnapshotJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run emits one snapshot.
func (j *StatsSnapshotJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: stats snapshot cancelled: %w", ctx.Err())
	}

	report := j.Stats.Statistics()
	fields := map[string]any{
		"total_calls":            report.TotalCalls,
		"successful_calls":       report.SuccessfulCalls,
		"budget_exceeded_errors": report.BudgetExceededErrors,
		"other_errors":           report.OtherErrors,
		"success_rate":           report.SuccessRate,
		"endpoints":              report.Endpoints,
	}
	open := 0
	if j.Circuits != nil {
		statuses := j.Circuits.Statuses()
		for _, s := range statuses {
			if s.State != breaker.Closed {
				open++
			}
		}
		fields["circuits"] = statuses
		fields["circuits_not_closed"] = open
	}

	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	events.OrNop(j.Emitter).Emit(events.Event{
		Timestamp: now(),
		Name:      events.StatisticsSnapshot,
		Fields:    fields,
	})
	logging.OrNop(j.Logger).Debug("cron: statistics snapshot emitted",
		"endpoints", len(report.Endpoints),
		"total_calls", report.TotalCalls,
		"circuits_not_closed", open,
	)
	return nil
}

// Pruner deletes persisted events older than a cutoff.
// *events.SQLSink implements it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// EventRetentionJob deletes persisted events older than MaxAge.
type EventRetentionJob struct {
	Store        Pruner
	MaxAge       time.Duration
	Logger       *slog.Logger
	ScheduleExpr string           // empty = default "0 * * * *"
	Now          func() time.Time // nil = time.Now
}

// Compile-time interface check.
var _ Job = (*EventRetentionJob)(nil)

// Name implements Job.
func (j *EventRetentionJob) Name() string { return "event_retention" }

// Schedule implements Job.
func (j *EventRetentionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run prunes events older than MaxAge. A non-positive MaxAge keeps everything.
func (j *EventRetentionJob) Run(ctx context.Context) error {
	if j.MaxAge <= 0 {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Store.Prune(ctx, now().Add(-j.MaxAge))
	if err != nil {
		return fmt.Errorf("cron: event retention: %w", err)
	}
	if n > 0 {
		logging.OrNop(j.Logger).Info("cron: pruned old events", "count", n, "max_age", j.MaxAge)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/flemzord/tokenguard/internal/logging"
)

// Validate checks every tunable against its documented bounds and returns
// all violations joined.
func Validate(s Settings) error {
	var errs []error

	if s.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if s.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", s.Version))
	}

	errs = append(errs, validateBudget(s.Budget)...)
	errs = append(errs, validateSegment(s.Segment)...)
	errs = append(errs, validateBreaker(s.Breaker)...)
	errs = append(errs, validateRetry(s.Retry)...)
	errs = append(errs, validateEstimator(s.Estimator)...)
	errs = append(errs, validateGateway(s.Gateway)...)
	errs = append(errs, validateTracing(s.Tracing)...)

	if s.Events.Redis.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("config: events.redis.max_len must be >= 0, got %d", s.Events.Redis.MaxLen))
	}
	if s.Events.Retention < 0 {
		errs = append(errs, fmt.Errorf("config: events.retention must be >= 0, got %s", s.Events.Retention.Std()))
	}
	if s.Snapshot.Schedule != "" {
		if _, err := cron.ParseStandard(s.Snapshot.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("config: snapshot.schedule %q: %w", s.Snapshot.Schedule, err))
		}
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	if s.Log.Format != "" && s.Log.Format != "text" && s.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", s.Log.Format))
	}

	return errors.Join(errs...)
}

func validateBudget(b BudgetSettings) []error {
	var errs []error

	ids := make([]string, 0, len(b.Limits))
	for id := range b.Limits {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("config: budget.limits: endpoint identifier must not be empty"))
		}
		if b.Limits[id] <= 0 {
			errs = append(errs, fmt.Errorf("config: budget.limits.%s must be > 0, got %d", id, b.Limits[id]))
		}
	}
	if b.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: budget.default_limit must be > 0, got %d", b.DefaultLimit))
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= 0.5 {
		errs = append(errs, fmt.Errorf("config: budget.safety_margin must be in [0, 0.5), got %g", b.SafetyMargin))
	}
	if b.ReductionFactor <= 0 || b.ReductionFactor >= 1 {
		errs = append(errs, fmt.Errorf("config: budget.reduction_factor must be in (0, 1), got %g", b.ReductionFactor))
	}
	if b.RecoveryFactor <= 1 || b.RecoveryFactor > 2 {
		errs = append(errs, fmt.Errorf("config: budget.recovery_factor must be in (1, 2], got %g", b.RecoveryFactor))
	}
	if b.MinReductionFactor <= 0 || b.MinReductionFactor > 1 {
		errs = append(errs, fmt.Errorf("config: budget.min_reduction_factor must be in (0, 1], got %g", b.MinReductionFactor))
	}
	if b.SuccessesForRecovery < 1 {
		errs = append(errs, fmt.Errorf("config: budget.successes_for_recovery must be >= 1, got %d", b.SuccessesForRecovery))
	}
	return errs
}

func validateSegment(s SegmentSettings) []error {
	var errs []error
	if s.DefaultMaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("config: segment.default_max_chunk_size must be > 0, got %d", s.DefaultMaxChunkSize))
	}
	if s.OverlapSize < 0 {
		errs = append(errs, fmt.Errorf("config: segment.overlap_size must be >= 0, got %d", s.OverlapSize))
	}
	for i, sep := range s.Separators {
		if sep == "" {
			errs = append(errs, fmt.Errorf("config: segment.separators[%d] must not be empty", i))
		}
	}
	return errs
}

func validateBreaker(b BreakerSettings) []error {
	var errs []error
	if b.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("config: breaker.failure_threshold must be >= 1, got %d", b.FailureThreshold))
	}
	if b.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: breaker.reset_timeout must be > 0, got %s", b.ResetTimeout.Std()))
	}
	if b.HalfOpenMaxCalls < 1 {
		errs = append(errs, fmt.Errorf("config: breaker.half_open_max_calls must be >= 1, got %d", b.HalfOpenMaxCalls))
	}
	return errs
}

func validateRetry(r RetrySettings) []error {
	var errs []error
	if r.MaxRetries < 0 || r.MaxRetries > 20 {
		errs = append(errs, fmt.Errorf("config: retry.max_retries must be in [0, 20], got %d", r.MaxRetries))
	}
	if r.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("config: retry.initial_delay must be > 0, got %s", r.InitialDelay.Std()))
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, fmt.Errorf("config: retry.max_delay (%s) must be >= initial_delay (%s)", r.MaxDelay.Std(), r.InitialDelay.Std()))
	}
	if r.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("config: retry.backoff_factor must be >= 1, got %g", r.BackoffFactor))
	}
	for i, status := range r.RetryableStatuses {
		if status < 100 || status > 599 {
			errs = append(errs, fmt.Errorf("config: retry.retryable_statuses[%d]: invalid HTTP status %d", i, status))
		}
	}
	return errs
}

func validateEstimator(e EstimatorSettings) []error {
	switch e.Kind {
	case "chars":
		if e.CharsPerToken <= 0 {
			return []error{fmt.Errorf("config: estimator.chars_per_token must be > 0, got %g", e.CharsPerToken)}
		}
	case "tiktoken":
	default:
		return []error{fmt.Errorf("config: estimator.kind must be chars or tiktoken, got %q", e.Kind)}
	}
	return nil
}

func validateGateway(g GatewaySettings) []error {
	if !g.Enabled {
		return nil
	}
	var errs []error
	if g.Bind == "" {
		errs = append(errs, errors.New("config: gateway.bind is required when the gateway is enabled"))
	}
	if (g.BasicUser == "") != (g.BasicPass == "") {
		errs = append(errs, errors.New("config: gateway.basic_user and gateway.basic_pass must be set together"))
	}
	if g.ReadTimeout < 0 || g.WriteTimeout < 0 || g.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("config: gateway timeouts must be >= 0"))
	}
	return errs
}

func validateTracing(t TracingSettings) []error {
	var errs []error
	if t.Enabled && t.Endpoint == "" {
		errs = append(errs, errors.New("config: tracing.endpoint is required when tracing is enabled"))
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config: tracing.sample_ratio must be in [0, 1], got %g", t.SampleRatio))
	}
	return errs
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"missing version", func(s *Settings) { s.Version = "" }, "version field is required"},
		{"unsupported version", func(s *Settings) { s.Version = "99" }, "unsupported version"},
		{"zero limit", func(s *Settings) { s.Budget.Limits = map[string]int{"m": 0} }, "budget.limits.m"},
		{"default limit", func(s *Settings) { s.Budget.DefaultLimit = -1 }, "default_limit"},
		{"safety margin high", func(s *Settings) { s.Budget.SafetyMargin = 0.5 }, "safety_margin"},
		{"safety margin negative", func(s *Settings) { s.Budget.SafetyMargin = -0.1 }, "safety_margin"},
		{"reduction one", func(s *Settings) { s.Budget.ReductionFactor = 1 }, "reduction_factor"},
		{"recovery one", func(s *Settings) { s.Budget.RecoveryFactor = 1 }, "recovery_factor"},
		{"recovery high", func(s *Settings) { s.Budget.RecoveryFactor = 2.5 }, "recovery_factor"},
		{"min reduction zero", func(s *Settings) { s.Budget.MinReductionFactor = 0 }, "min_reduction_factor"},
		{"successes zero", func(s *Settings) { s.Budget.SuccessesForRecovery = 0 }, "successes_for_recovery"},
		{"chunk size", func(s *Settings) { s.Segment.DefaultMaxChunkSize = 0 }, "default_max_chunk_size"},
		{"overlap", func(s *Settings) { s.Segment.OverlapSize = -1 }, "overlap_size"},
		{"empty separator", func(s *Settings) { s.Segment.Separators = []string{" ", ""} }, "separators[1]"},
		{"threshold", func(s *Settings) { s.Breaker.FailureThreshold = 0 }, "failure_threshold"},
		{"reset timeout", func(s *Settings) { s.Breaker.ResetTimeout = 0 }, "reset_timeout"},
		{"half open calls", func(s *Settings) { s.Breaker.HalfOpenMaxCalls = 0 }, "half_open_max_calls"},
		{"max retries", func(s *Settings) { s.Retry.MaxRetries = 21 }, "max_retries"},
		{"initial delay", func(s *Settings) { s.Retry.InitialDelay = 0 }, "initial_delay"},
		{"max below initial", func(s *Settings) { s.Retry.MaxDelay = Duration(time.Millisecond) }, "max_delay"},
		{"backoff", func(s *Settings) { s.Retry.BackoffFactor = 0.5 }, "backoff_factor"},
		{"status", func(s *Settings) { s.Retry.RetryableStatuses = []int{42} }, "retryable_statuses[0]"},
		{"estimator kind", func(s *Settings) { s.Estimator.Kind = "magic" }, "estimator.kind"},
		{"chars per token", func(s *Settings) { s.Estimator.CharsPerToken = 0 }, "chars_per_token"},
		{"basic auth half", func(s *Settings) { s.Gateway.Enabled = true; s.Gateway.BasicUser = "a" }, "basic_pass"},
		{"tracing endpoint", func(s *Settings) { s.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample ratio", func(s *Settings) { s.Tracing.SampleRatio = 2 }, "sample_ratio"},
		{"schedule", func(s *Settings) { s.Snapshot.Schedule = "every now and then" }, "snapshot.schedule"},
		{"log level", func(s *Settings) { s.Log.Level = "loud" }, "log.level"},
		{"log format", func(s *Settings) { s.Log.Format = "xml" }, "log.format"},
		{"redis max len", func(s *Settings) { s.Events.Redis.MaxLen = -1 }, "max_len"},
		{"negative retention", func(s *Settings) { s.Events.Retention = Duration(-time.Second) }, "retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Defaults()
			tt.mutate(&s)
			err := Validate(s)
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ZeroSafetyMarginAllowed(t *testing.T) {
	t.Parallel()
	s := Defaults()
	s.Budget.SafetyMargin = 0
	if err := Validate(s); err != nil {
		t.Fatalf("zero safety margin is valid: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	s := Defaults()
	s.Budget.ReductionFactor = 2
	s.Breaker.FailureThreshold = 0
	s.Retry.MaxRetries = -1

	err := Validate(s)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"reduction_factor", "failure_threshold", "max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

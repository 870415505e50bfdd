package config

import (
	"maps"
	"slices"
	"time"

	"github.com/flemzord/tokenguard/internal/breaker"
	"github.com/flemzord/tokenguard/internal/budget"
	"github.com/flemzord/tokenguard/internal/events"
	"github.com/flemzord/tokenguard/internal/retry"
	"github.com/flemzord/tokenguard/internal/segment"
	"github.com/flemzord/tokenguard/internal/tokens"
	"github.com/flemzord/tokenguard/internal/tracing"
)

// Default values that have no home in a component package.
const (
	DefaultMaxChunkSize = 1000
	DefaultOverlapSize  = 100
	DefaultBind         = "127.0.0.1:8089"
	DefaultSchedule     = "@every 5m"
)

// Defaults returns the settings used when a file omits a field.
func Defaults() Settings {
	return Settings{
		Version: "1",
		Budget: BudgetSettings{
			DefaultLimit:         budget.DefaultLimit,
			SafetyMargin:         budget.DefaultSafetyMargin,
			ReductionFactor:      budget.DefaultReductionFactor,
			RecoveryFactor:       budget.DefaultRecoveryFactor,
			MinReductionFactor:   budget.DefaultMinReductionFactor,
			SuccessesForRecovery: budget.DefaultSuccessesForRecovery,
		},
		Segment: SegmentSettings{
			DefaultMaxChunkSize: DefaultMaxChunkSize,
			OverlapSize:         DefaultOverlapSize,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			ResetTimeout:     Duration(60 * time.Second),
			HalfOpenMaxCalls: 1,
		},
		Retry: RetrySettings{
			MaxRetries:    3,
			InitialDelay:  Duration(time.Second),
			MaxDelay:      Duration(30 * time.Second),
			BackoffFactor: 2,
			Jitter:        true,
		},
		Estimator: EstimatorSettings{
			Kind:          "chars",
			CharsPerToken: tokens.DefaultCharsPerToken,
		},
		Gateway: GatewaySettings{
			Bind:            DefaultBind,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Snapshot: SnapshotSettings{Schedule: DefaultSchedule},
		Log:      LogSettings{Level: "info", Format: "text"},
	}
}

// clone deep-copies the maps and slices of s so that decoding an overlay
// into the copy never mutates s.
func (s Settings) clone() Settings {
	s.Budget.Limits = maps.Clone(s.Budget.Limits)
	s.Segment.Separators = slices.Clone(s.Segment.Separators)
	s.Retry.RetryableCodes = slices.Clone(s.Retry.RetryableCodes)
	s.Retry.RetryableStatuses = slices.Clone(s.Retry.RetryableStatuses)
	s.Retry.RetryableSubstrings = slices.Clone(s.Retry.RetryableSubstrings)
	s.Tracing.Headers = maps.Clone(s.Tracing.Headers)
	return s
}

// BudgetConfig converts the budget section.
func (s Settings) BudgetConfig() budget.Config {
	return budget.Config{
		Limits:               maps.Clone(s.Budget.Limits),
		DefaultLimit:         s.Budget.DefaultLimit,
		SafetyMargin:         s.Budget.SafetyMargin,
		ReductionFactor:      s.Budget.ReductionFactor,
		RecoveryFactor:       s.Budget.RecoveryFactor,
		MinReductionFactor:   s.Budget.MinReductionFactor,
		SuccessesForRecovery: s.Budget.SuccessesForRecovery,
	}
}

// BreakerConfig converts the breaker section.
func (s Settings) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: s.Breaker.FailureThreshold,
		ResetTimeout:     s.Breaker.ResetTimeout.Std(),
		HalfOpenMaxCalls: s.Breaker.HalfOpenMaxCalls,
	}
}

// RetryConfig converts the retry section. Classifier lists left empty fall
// back to the default classifier's.
func (s Settings) RetryConfig() retry.Config {
	c := retry.DefaultClassifier()
	if len(s.Retry.RetryableCodes) > 0 {
		c.Codes = slices.Clone(s.Retry.RetryableCodes)
	}
	if len(s.Retry.RetryableStatuses) > 0 {
		c.Statuses = slices.Clone(s.Retry.RetryableStatuses)
	}
	if len(s.Retry.RetryableSubstrings) > 0 {
		c.Substrings = slices.Clone(s.Retry.RetryableSubstrings)
	}
	return retry.Config{
		MaxRetries:    s.Retry.MaxRetries,
		InitialDelay:  s.Retry.InitialDelay.Std(),
		MaxDelay:      s.Retry.MaxDelay.Std(),
		BackoffFactor: s.Retry.BackoffFactor,
		Jitter:        s.Retry.Jitter,
		Classifier:    c,
	}
}

// Separators returns the configured segmentation separators, or the defaults.
func (s Settings) Separators() []string {
	if len(s.Segment.Separators) > 0 {
		return slices.Clone(s.Segment.Separators)
	}
	return slices.Clone(segment.DefaultSeparators)
}

// NewEstimator builds the configured token estimator.
func (s Settings) NewEstimator() tokens.TokenEstimator {
	if s.Estimator.Kind == "tiktoken" {
		return tokens.NewTiktokenEstimator(s.Estimator.Encoding)
	}
	return tokens.NewCharEstimator(s.Estimator.CharsPerToken)
}

// RedisConfig converts the Redis sink section.
func (s Settings) RedisConfig() events.RedisConfig {
	r := s.Events.Redis
	return events.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Key: r.Key, MaxLen: r.MaxLen}
}

// TracingConfig converts the tracing section.
func (s Settings) TracingConfig() tracing.Config {
	t := s.Tracing
	return tracing.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		URLPath:     t.URLPath,
		Insecure:    t.Insecure,
		Headers:     maps.Clone(t.Headers),
		ServiceName: t.ServiceName,
		SampleRatio: t.SampleRatio,
	}
}

// Secrets lists the credential values of s that must never reach a log.
// Empty values are skipped.
func (s Settings) Secrets() []string {
	var out []string
	for _, v := range []string{s.Gateway.BearerToken, s.Gateway.BasicPass, s.Events.Redis.Password} {
		if v != "" {
			out = append(out, v)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(s.Tracing.Headers)) {
		if v := s.Tracing.Headers[k]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

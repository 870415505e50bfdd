// Package config handles YAML/TOML configuration loading, environment
// variable expansion, merging over defaults and bound validation for
// tokenguard.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Settings is the complete, validated configuration. Obtain one through
// Defaults, Load or Merge; treat it as immutable afterwards.
type Settings struct {
	// Version is the config format version. Only "1" is supported.
	Version string `yaml:"version" toml:"version" json:"version"`

	Budget    BudgetSettings    `yaml:"budget" toml:"budget" json:"budget"`
	Segment   SegmentSettings   `yaml:"segment" toml:"segment" json:"segment"`
	Breaker   BreakerSettings   `yaml:"breaker" toml:"breaker" json:"breaker"`
	Retry     RetrySettings     `yaml:"retry" toml:"retry" json:"retry"`
	Estimator EstimatorSettings `yaml:"estimator" toml:"estimator" json:"estimator"`
	Events    EventsSettings    `yaml:"events" toml:"events" json:"events"`
	Gateway   GatewaySettings   `yaml:"gateway" toml:"gateway" json:"gateway"`
	Tracing   TracingSettings   `yaml:"tracing" toml:"tracing" json:"tracing"`
	Snapshot  SnapshotSettings  `yaml:"snapshot" toml:"snapshot" json:"snapshot"`
	Log       LogSettings       `yaml:"log" toml:"log" json:"log"`
}

// BudgetSettings tunes the adaptive limit controller.
type BudgetSettings struct {
	Limits               map[string]int `yaml:"limits" toml:"limits" json:"limits,omitempty" jsonschema:"description=Original token limit per endpoint identifier"`
	DefaultLimit         int            `yaml:"default_limit" toml:"default_limit" json:"default_limit" jsonschema:"minimum=1"`
	SafetyMargin         float64        `yaml:"safety_margin" toml:"safety_margin" json:"safety_margin" jsonschema:"minimum=0,exclusiveMaximum=0.5"`
	ReductionFactor      float64        `yaml:"reduction_factor" toml:"reduction_factor" json:"reduction_factor" jsonschema:"exclusiveMinimum=0,exclusiveMaximum=1"`
	RecoveryFactor       float64        `yaml:"recovery_factor" toml:"recovery_factor" json:"recovery_factor" jsonschema:"exclusiveMinimum=1,maximum=2"`
	MinReductionFactor   float64        `yaml:"min_reduction_factor" toml:"min_reduction_factor" json:"min_reduction_factor" jsonschema:"exclusiveMinimum=0,maximum=1"`
	SuccessesForRecovery int            `yaml:"successes_for_recovery" toml:"successes_for_recovery" json:"successes_for_recovery" jsonschema:"minimum=1"`
}

// SegmentSettings holds chunking defaults.
type SegmentSettings struct {
	DefaultMaxChunkSize int      `yaml:"default_max_chunk_size" toml:"default_max_chunk_size" json:"default_max_chunk_size" jsonschema:"minimum=1"`
	OverlapSize         int      `yaml:"overlap_size" toml:"overlap_size" json:"overlap_size" jsonschema:"minimum=0"`
	Separators          []string `yaml:"separators" toml:"separators" json:"separators,omitempty"`
}

// BreakerSettings tunes every circuit.
type BreakerSettings struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold" jsonschema:"minimum=1"`
	ResetTimeout     Duration `yaml:"reset_timeout" toml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls" toml:"half_open_max_calls" json:"half_open_max_calls" jsonschema:"minimum=1"`
}

// RetrySettings tunes backoff and the retryable classifier. Empty
// classifier lists keep the built-in defaults.
type RetrySettings struct {
	MaxRetries          int      `yaml:"max_retries" toml:"max_retries" json:"max_retries" jsonschema:"minimum=0,maximum=20"`
	InitialDelay        Duration `yaml:"initial_delay" toml:"initial_delay" json:"initial_delay"`
	MaxDelay            Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	BackoffFactor       float64  `yaml:"backoff_factor" toml:"backoff_factor" json:"backoff_factor" jsonschema:"minimum=1"`
	Jitter              bool     `yaml:"jitter" toml:"jitter" json:"jitter"`
	RetryableCodes      []string `yaml:"retryable_codes" toml:"retryable_codes" json:"retryable_codes,omitempty"`
	RetryableStatuses   []int    `yaml:"retryable_statuses" toml:"retryable_statuses" json:"retryable_statuses,omitempty"`
	RetryableSubstrings []string `yaml:"retryable_substrings" toml:"retryable_substrings" json:"retryable_substrings,omitempty"`
}

// EstimatorSettings selects the token estimator.
type EstimatorSettings struct {
	// Kind is "chars" or "tiktoken".
	Kind          string  `yaml:"kind" toml:"kind" json:"kind" jsonschema:"enum=chars,enum=tiktoken"`
	CharsPerToken float64 `yaml:"chars_per_token" toml:"chars_per_token" json:"chars_per_token" jsonschema:"exclusiveMinimum=0"`
	Encoding      string  `yaml:"encoding" toml:"encoding" json:"encoding,omitempty"`
}

// EventsSettings enables event sinks. Every non-empty sink receives every event.
type EventsSettings struct {
	Log      bool          `yaml:"log" toml:"log" json:"log"`
	JSONL    string        `yaml:"jsonl" toml:"jsonl" json:"jsonl,omitempty"`
	SQLite   string        `yaml:"sqlite" toml:"sqlite" json:"sqlite,omitempty"`
	Postgres string        `yaml:"postgres" toml:"postgres" json:"postgres,omitempty"`
	Redis    RedisSettings `yaml:"redis" toml:"redis" json:"redis"`

	// Retention prunes SQL-persisted events older than this, hourly.
	// Zero keeps everything.
	Retention Duration `yaml:"retention" toml:"retention" json:"retention"`
}

// RedisSettings configures the Redis event sink; empty Addr disables it.
type RedisSettings struct {
	Addr     string `yaml:"addr" toml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" toml:"password" json:"password,omitempty"`
	DB       int    `yaml:"db" toml:"db" json:"db"`
	Key      string `yaml:"key" toml:"key" json:"key,omitempty"`
	MaxLen   int64  `yaml:"max_len" toml:"max_len" json:"max_len" jsonschema:"minimum=0"`
}

// GatewaySettings configures the admin HTTP surface.
type GatewaySettings struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Bind            string   `yaml:"bind" toml:"bind" json:"bind"`
	BearerToken     string   `yaml:"bearer_token" toml:"bearer_token" json:"bearer_token,omitempty"`
	BasicUser       string   `yaml:"basic_user" toml:"basic_user" json:"basic_user,omitempty"`
	BasicPass       string   `yaml:"basic_pass" toml:"basic_pass" json:"basic_pass,omitempty"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TracingSettings configures OTLP/HTTP span export.
type TracingSettings struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint" json:"endpoint,omitempty"`
	URLPath     string            `yaml:"url_path" toml:"url_path" json:"url_path,omitempty"`
	Insecure    bool              `yaml:"insecure" toml:"insecure" json:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers" json:"headers,omitempty"`
	ServiceName string            `yaml:"service_name" toml:"service_name" json:"service_name,omitempty"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio" json:"sample_ratio" jsonschema:"minimum=0,maximum=1"`
}

// SnapshotSettings schedules periodic statistics_snapshot events.
type SnapshotSettings struct {
	// Schedule is a cron expression or descriptor ("@every 5m"); empty disables.
	Schedule string `yaml:"schedule" toml:"schedule" json:"schedule,omitempty"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `yaml:"level" toml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" toml:"format" json:"format" jsonschema:"enum=text,enum=json"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts the same strings as UnmarshalText.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 500ms, 30s, 1m",
	}
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	s := r.Reflect(&Settings{})
	s.Title = "tokenguard configuration"
	return json.MarshalIndent(s, "", "  ")
}

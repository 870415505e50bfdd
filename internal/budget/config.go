package budget

import (
	"errors"
	"fmt"
)

// Default tunables.
const (
	DefaultLimit                = 4096
	DefaultSafetyMargin         = 0.1
	DefaultReductionFactor      = 0.9
	DefaultRecoveryFactor       = 1.05
	DefaultMinReductionFactor   = 0.5
	DefaultSuccessesForRecovery = 3
)

// Config controls the adaptive limit loop.
type Config struct {
	// Limits maps endpoint identifiers to their original token limit.
	Limits map[string]int

	// DefaultLimit is the original limit of endpoints absent from Limits.
	// Default: 4096.
	DefaultLimit int

	// SafetyMargin is the fraction shaved off the current limit before it is
	// handed to callers. Zero is honoured; use DefaultConfig for 10%.
	SafetyMargin float64

	// ReductionFactor multiplies the limit after a budget failure. Default: 0.9.
	ReductionFactor float64

	// RecoveryFactor multiplies the limit after sustained success. Default: 1.05.
	RecoveryFactor float64

	// MinReductionFactor bounds how far below the original limit the current
	// limit may fall. Default: 0.5.
	MinReductionFactor float64

	// SuccessesForRecovery is the number of consecutive successes that
	// triggers an increase. Default: 3.
	SuccessesForRecovery int
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:         DefaultLimit,
		SafetyMargin:         DefaultSafetyMargin,
		ReductionFactor:      DefaultReductionFactor,
		RecoveryFactor:       DefaultRecoveryFactor,
		MinReductionFactor:   DefaultMinReductionFactor,
		SuccessesForRecovery: DefaultSuccessesForRecovery,
	}
}

// defaults fills zero-value fields for which zero is never meaningful.
func (c *Config) defaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.ReductionFactor == 0 {
		c.ReductionFactor = DefaultReductionFactor
	}
	if c.RecoveryFactor == 0 {
		c.RecoveryFactor = DefaultRecoveryFactor
	}
	if c.MinReductionFactor == 0 {
		c.MinReductionFactor = DefaultMinReductionFactor
	}
	if c.SuccessesForRecovery == 0 {
		c.SuccessesForRecovery = DefaultSuccessesForRecovery
	}
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("budget: invalid config")

func (c Config) validate() error {
	var errs []error
	if c.DefaultLimit < 1 {
		errs = append(errs, fmt.Errorf("%w: default limit must be > 0, got %d", ErrInvalidConfig, c.DefaultLimit))
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= 0.5 {
		errs = append(errs, fmt.Errorf("%w: safety margin must be in [0, 0.5), got %g", ErrInvalidConfig, c.SafetyMargin))
	}
	if c.ReductionFactor <= 0 || c.ReductionFactor >= 1 {
		errs = append(errs, fmt.Errorf("%w: reduction factor must be in (0, 1), got %g", ErrInvalidConfig, c.ReductionFactor))
	}
	if c.RecoveryFactor <= 1 || c.RecoveryFactor > 2 {
		errs = append(errs, fmt.Errorf("%w: recovery factor must be in (1, 2], got %g", ErrInvalidConfig, c.RecoveryFactor))
	}
	if c.MinReductionFactor <= 0 || c.MinReductionFactor > 1 {
		errs = append(errs, fmt.Errorf("%w: min reduction factor must be in (0, 1], got %g", ErrInvalidConfig, c.MinReductionFactor))
	}
	if c.SuccessesForRecovery < 1 {
		errs = append(errs, fmt.Errorf("%w: successes for recovery must be >= 1, got %d", ErrInvalidConfig, c.SuccessesForRecovery))
	}
	for id, limit := range c.Limits {
		if limit < 1 {
			errs = append(errs, fmt.Errorf("%w: limit for %q must be > 0, got %d", ErrInvalidConfig, id, limit))
		}
	}
	return errors.Join(errs...)
}

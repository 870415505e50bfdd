package optimize

import (
	"fmt"
	"strings"
)

// Level names an optimization rule set, ordered by aggressiveness.
type Level int

// Optimization levels.
const (
	Normal Level = iota
	Aggressive
	Extreme
)

// Levels lists every level in escalation order.
var Levels = []Level{Normal, Aggressive, Extreme}

// String returns the level name.
func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Aggressive:
		return "aggressive"
	case Extreme:
		return "extreme"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "aggressive":
		return Aggressive, nil
	case "extreme":
		return Extreme, nil
	default:
		return Normal, fmt.Errorf("optimize: unknown level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// RuleSet is the set of shrinking steps a level may apply.
type RuleSet struct {
	Level Level

	// TrimHistory drops and truncates the oldest messages.
	TrimHistory bool
	// CompressWhitespace collapses whitespace runs and blank-line runs.
	CompressWhitespace bool
	// CompressCodeBlocks drops blank and comment lines inside fenced blocks.
	CompressCodeBlocks bool
	// TruncateSystem allows cutting the system text.
	TruncateSystem bool
	// TruncateQuery allows cutting the middle of the query.
	TruncateQuery bool
	// TouchSystemMessages allows history trimming to remove system-role messages.
	TouchSystemMessages bool

	// MaxMessages caps the history length before trimming. 0 = no cap.
	MaxMessages int
	// MaxTokens caps the target below the caller's. 0 = no cap.
	MaxTokens int
}

// Rules returns the rule set of a level. Unknown levels get Normal's rules.
func Rules(l Level) RuleSet {
	switch l {
	case Aggressive:
		return RuleSet{
			Level:              Aggressive,
			TrimHistory:        true,
			CompressWhitespace: true,
			CompressCodeBlocks: true,
			TruncateSystem:     true,
		}
	case Extreme:
		// MaxTokens stays 0: the caller's target is already the effective
		// limit. Callers wanting a lower ceiling set it on the returned set.
		return RuleSet{
			Level:               Extreme,
			TrimHistory:         true,
			CompressWhitespace:  true,
			CompressCodeBlocks:  true,
			TruncateSystem:      true,
			TruncateQuery:       true,
			TouchSystemMessages: true,
			MaxMessages:         6,
		}
	default:
		return RuleSet{
			Level:              Normal,
			TrimHistory:        true,
			CompressWhitespace: true,
		}
	}
}

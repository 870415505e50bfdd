// Package tokens provides pluggable token estimation. Every budget decision
// in tokenguard goes through a TokenEstimator, so swapping the heuristic
// never touches the control logic.
package tokens

// DefaultCharsPerToken is the English-text approximation used when no ratio
// is configured.
const DefaultCharsPerToken = 4.0

// TokenEstimator estimates the token count of a string.
// Implementations must be pure and safe for concurrent use.
type TokenEstimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a plain function to TokenEstimator.
type EstimatorFunc func(text string) int

// Estimate implements TokenEstimator.
func (f EstimatorFunc) Estimate(text string) int {
	return f(text)
}

// CharEstimator estimates tokens using a simple characters-per-token ratio.
// A ratio of ~4 works well for English; ~3 for code or other Latin languages.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator creates a CharEstimator with the given ratio.
// If charsPerToken is <= 0, defaults to DefaultCharsPerToken.
func NewCharEstimator(charsPerToken float64) *CharEstimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &CharEstimator{CharsPerToken: charsPerToken}
}

// Estimate returns the estimated token count for the given text.
// Lengths are measured in bytes, matching how most tokenizers see UTF-8 input.
func (e *CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	tokens := float64(len(text)) / ratio
	// Always round up to avoid underestimation.
	return int(tokens) + 1
}

// Fits reports whether text fits within limit tokens.
func Fits(e TokenEstimator, text string, limit int) bool {
	return e.Estimate(text) <= limit
}

// Compile-time interface checks.
var (
	_ TokenEstimator = (*CharEstimator)(nil)
	_ TokenEstimator = EstimatorFunc(nil)
)

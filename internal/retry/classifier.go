package retry

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"

	"github.com/flemzord/tokenguard/internal/fault"
	"github.com/flemzord/tokenguard/internal/upstream"
)

// Classifier decides whether an error is worth retrying. An error matches
// when its code, its HTTP-like status or its message matches any entry.
type Classifier struct {
	// Codes are compared case-insensitively with upstream.CodeOf(err).
	Codes []string
	// Statuses are compared with upstream.StatusOf(err).
	Statuses []int
	// Substrings are searched case-insensitively in err.Error().
	Substrings []string
}

// DefaultClassifier matches timeouts, rate limits, overload and 5xx errors.
func DefaultClassifier() Classifier {
	return Classifier{
		Codes: []string{
			"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "EPIPE",
			"rate_limit_error", "rate_limit_exceeded", "overloaded_error", "api_error",
		},
		Statuses: []int{408, 429, 500, 502, 503, 504, upstream.StatusOverloaded},
		Substrings: []string{
			"timeout", "timed out", "connection reset", "connection refused",
			"overloaded", "rate limit", "temporarily unavailable", "service unavailable",
		},
	}
}

func (c Classifier) empty() bool {
	return len(c.Codes) == 0 && len(c.Statuses) == 0 && len(c.Substrings) == 0
}

// Retryable reports whether err should be retried. Budget, circuit-open and
// context errors never are; errors wrapping fault.ErrTransient always are.
func (c Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, fault.ErrBudgetExceeded),
		errors.Is(err, fault.ErrCircuitOpen),
		errors.Is(err, fault.ErrNonRetryable):
		return false
	case errors.Is(err, fault.ErrTransient):
		return true
	}

	if status := upstream.StatusOf(err); status != 0 && slices.Contains(c.Statuses, status) {
		return true
	}
	if code := upstream.CodeOf(err); code != "" {
		for _, want := range c.Codes {
			if strings.EqualFold(code, want) {
				return true
			}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range c.Substrings {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Package events emits the named, timestamped events that describe budget
// adjustments, circuit transitions and recovery outcomes. Storage is left to
// sinks (JSONL, SQL, Redis, slog); the control layers only call Emit.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Name identifies an event kind.
type Name string

// Event names emitted by tokenguard.
const (
	LimitAdjustment    Name = "token_limit_adjustment"
	CircuitOpened      Name = "circuit_breaker_opened"
	CircuitHalfOpen    Name = "circuit_breaker_half_open"
	CircuitClosed      Name = "circuit_breaker_closed"
	RetryAttempt       Name = "retry_attempt"
	RetryExhausted     Name = "retry_exhausted"
	RecoverySuccess    Name = "recovery_success"
	RecoveryFailure    Name = "recovery_failure"
	StatisticsSnapshot Name = "statistics_snapshot"
	StatisticsReset    Name = "statistics_reset"
)

// Event is a single entry of the append-only event log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Name      Name           `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent use
// and must not block for long: Emit is called from the request path.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(Event) {})

// Multi fans an event out to several emitters in order. Nil entries are skipped.
func Multi(emitters ...Emitter) Emitter {
	var live []Emitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return Nop
	case 1:
		return live[0]
	}
	return EmitterFunc(func(ev Event) {
		for _, e := range live {
			e.Emit(ev)
		}
	})
}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop
	}
	return e
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Emit implements Emitter.
func (s LogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(e.Fields))
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.LogAttrs(context.Background(), s.Level, string(e.Name), attrs...)
}

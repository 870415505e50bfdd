package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces every secret removed from log output.
const Redacted = "***REDACTED***"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// defaultRules match provider API keys, bearer credentials and the
// password part of connection URLs.
var defaultRules = []redactRule{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`), Redacted},
	{regexp.MustCompile(`sk-[a-zA-Z0-9\-_]{20,}`), Redacted},
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.=]{8,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`), "${1}" + Redacted + "@"},
}

// Redactor strips secrets from strings. It is immutable once built.
type Redactor struct {
	literals []string
}

// NewRedactor returns a Redactor that also removes every non-empty literal,
// typically the gateway credentials and sink passwords of the settings.
func NewRedactor(literals ...string) *Redactor {
	r := &Redactor{}
	for _, l := range literals {
		if l != "" {
			r.literals = append(r.literals, l)
		}
	}
	return r
}

// Redact returns s with every known secret replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, lit := range r.literals {
		s = strings.ReplaceAll(s, lit, Redacted)
	}
	for _, rule := range defaultRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// RedactingHandler redacts the message and every string-valued attribute
// before handing the record to the wrapped handler.
type RedactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

var _ slog.Handler = (*RedactingHandler)(nil)

// NewRedactingHandler wraps inner.
func NewRedactingHandler(inner slog.Handler, r *Redactor) *RedactingHandler {
	return &RedactingHandler{inner: inner, redactor: r}
}

// Redacting returns l with its handler wrapped by a RedactingHandler.
func Redacting(l *slog.Logger, r *Redactor) *slog.Logger {
	return slog.New(NewRedactingHandler(l.Handler(), r))
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redact(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean), redactor: h.redactor}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *RedactingHandler) redact(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]slog.Attr, len(group))
		for i, ga := range group {
			clean[i] = h.redact(ga)
		}
		a.Value = slog.GroupValue(clean...)
	case slog.KindAny:
		// Errors and other values are logged through their string form.
		s := a.Value.String()
		if r := h.redactor.Redact(s); r != s {
			a.Value = slog.StringValue(r)
		}
	}
	return a
}

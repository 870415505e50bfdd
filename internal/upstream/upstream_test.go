package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	sdkopenai "github.com/openai/openai-go/v3"

	"github.com/flemzord/tokenguard/internal/fault"
)

func TestFromHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   fault.Kind
		code   string
	}{
		{"ok", 200, "", fault.KindNone, ""},
		{"context length", 400, `{"error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens"}}`, fault.KindBudgetExceeded, "invalid_request_error"},
		{"openai context length", 400, `{"error":{"code":"context_length_exceeded","message":"This model's maximum context length is 8192 tokens"}}`, fault.KindBudgetExceeded, "context_length_exceeded"},
		{"plain bad request", 400, `{"error":{"message":"bad field"}}`, fault.KindNonRetryable, ""},
		{"payload too large", 413, "too big", fault.KindBudgetExceeded, ""},
		{"rate limit", 429, "slow down", fault.KindTransient, ""},
		{"overloaded", 529, `{"error":{"type":"overloaded_error","message":"Overloaded"}}`, fault.KindTransient, "overloaded_error"},
		{"server error", 503, "unavailable", fault.KindTransient, ""},
		{"auth", 401, "nope", fault.KindNonRetryable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := FromHTTP("chat", tt.status, []byte(tt.body))
			if got := fault.KindOf(err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v (err %v)", got, tt.want, err)
			}
			if err == nil {
				return
			}
			var fe *fault.Error
			if !errors.As(err, &fe) {
				t.Fatalf("expected *fault.Error, got %T", err)
			}
			if fe.Status != tt.status || fe.Key != "chat" || fe.Code != tt.code {
				t.Errorf("fault.Error = %+v", fe)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify_PassThrough(t *testing.T) {
	t.Parallel()

	if Classify("e", nil) != nil {
		t.Error("nil should stay nil")
	}
	if err := Classify("e", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("context error changed: %v", err)
	}
	budget := fault.BudgetExceeded("e", 10, 5)
	if Classify("e", budget) != budget {
		t.Error("fault errors must pass through unchanged")
	}
	plain := errors.New("weird")
	if Classify("e", plain) != plain {
		t.Error("unknown errors must pass through unchanged")
	}
}

func TestClassify_Transport(t *testing.T) {
	t.Parallel()

	err := Classify("chat", fmt.Errorf("dial: %w", timeoutErr{}))
	if fault.KindOf(err) != fault.KindTransient {
		t.Fatalf("KindOf = %v", fault.KindOf(err))
	}
}

func TestClassify_SDKErrors(t *testing.T) {
	t.Parallel()

	ant := fmt.Errorf("messages: %w", &sdkanthropic.Error{StatusCode: 529})
	if got := fault.KindOf(Classify("claude", ant)); got != fault.KindTransient {
		t.Errorf("anthropic 529 = %v, want transient", got)
	}

	oai := &sdkopenai.Error{StatusCode: 400, Code: "context_length_exceeded", Message: "too long"}
	err := Classify("gpt", oai)
	if got := fault.KindOf(err); got != fault.KindBudgetExceeded {
		t.Errorf("openai context length = %v, want budget exceeded", got)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != "context_length_exceeded" || fe.Status != 400 {
		t.Errorf("fault.Error = %+v", fe)
	}
}

func TestIsContextLengthMessage(t *testing.T) {
	t.Parallel()

	if !IsContextLengthMessage("Input exceeds the Context Window of this model") {
		t.Error("expected match")
	}
	if IsContextLengthMessage("invalid api key") {
		t.Error("unexpected match")
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	if got := StatusOf(&fault.Error{Status: 503}); got != 503 {
		t.Errorf("fault.Error status = %d", got)
	}
	if got := StatusOf(fmt.Errorf("wrap: %w", &sdkanthropic.Error{StatusCode: 429})); got != 429 {
		t.Errorf("anthropic status = %d", got)
	}
	if got := StatusOf(&sdkopenai.Error{StatusCode: 502}); got != 502 {
		t.Errorf("openai status = %d", got)
	}
	if got := StatusOf(errors.New("plain")); got != 0 {
		t.Errorf("plain status = %d", got)
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	if got := CodeOf(&fault.Error{Code: "overloaded_error"}); got != "overloaded_error" {
		t.Errorf("fault.Error code = %q", got)
	}
	if got := CodeOf(&sdkopenai.Error{Code: "rate_limit_exceeded"}); got != "rate_limit_exceeded" {
		t.Errorf("openai code = %q", got)
	}
	if got := CodeOf(fmt.Errorf("read: %w", syscall.ECONNRESET)); got != "ECONNRESET" {
		t.Errorf("errno code = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("plain code = %q", got)
	}
}

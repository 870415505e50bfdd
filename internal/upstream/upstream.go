// Package upstream maps errors from model endpoints (Anthropic and OpenAI
// SDK errors, raw HTTP responses, transport failures) onto the fault
// taxonomy so budget, retry and breaker logic can act on them.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	sdkopenai "github.com/openai/openai-go/v3"

	"github.com/flemzord/tokenguard/internal/fault"
)

// StatusOverloaded is Anthropic's non-standard "overloaded" status.
const StatusOverloaded = 529

// contextLengthMarkers are substrings of provider messages that report an
// oversized prompt.
var contextLengthMarkers = []string{
	"context length",
	"context_length",
	"context window",
	"too many tokens",
	"token limit",
	"prompt is too long",
	"maximum context",
}

// IsContextLengthMessage reports whether msg describes an oversized prompt.
func IsContextLengthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range contextLengthMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Classify converts err into a fault error for endpoint. Errors already in
// the taxonomy, context errors and nil pass through unchanged.
func Classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if fault.KindOf(err) != fault.KindNonRetryable {
		return err
	}
	if errors.Is(err, fault.ErrNonRetryable) {
		return err
	}

	var antErr *sdkanthropic.Error
	if errors.As(err, &antErr) {
		return fromStatus(endpoint, antErr.StatusCode, "", antErr.RawJSON(), err)
	}
	var oaiErr *sdkopenai.Error
	if errors.As(err, &oaiErr) {
		return fromStatus(endpoint, oaiErr.StatusCode, oaiErr.Code, oaiErr.Code+" "+oaiErr.Message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &fault.Error{Op: "transport", Key: endpoint, Err: fmt.Errorf("%w: %w", fault.ErrTransient, err)}
	}
	return err
}

// apiErrorBody is the error envelope shared by the Anthropic and OpenAI APIs.
type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FromHTTP maps a raw HTTP response to a fault error. It returns nil for
// 2xx statuses.
func FromHTTP(endpoint string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := string(body)
	code := ""
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		code = parsed.Error.Code
		if code == "" {
			code = parsed.Error.Type
		}
	}
	return fromStatus(endpoint, status, code, msg, errors.New(msg))
}

func fromStatus(endpoint string, status int, code, detail string, cause error) error {
	e := &fault.Error{Op: "complete", Key: endpoint, Status: status, Code: code}

	switch {
	case status == http.StatusBadRequest && IsContextLengthMessage(detail),
		status == http.StatusRequestEntityTooLarge:
		e.Err = fmt.Errorf("%w: %w", fault.ErrBudgetExceeded, cause)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == StatusOverloaded,
		status >= http.StatusInternalServerError:
		e.Err = fmt.Errorf("%w: %w", fault.ErrTransient, cause)
	default:
		e.Err = fmt.Errorf("%w: %w", fault.ErrNonRetryable, cause)
	}
	return e
}

// StatusOf extracts an HTTP-like status from err: a StatusCode() method
// anywhere in the chain, or an Anthropic or OpenAI SDK error. 0 if none.
func StatusOf(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		if s := sc.StatusCode(); s != 0 {
			return s
		}
	}
	var antErr *sdkanthropic.Error
	if errors.As(err, &antErr) {
		return antErr.StatusCode
	}
	var oaiErr *sdkopenai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode
	}
	return 0
}

// errnoCodes names the socket errors worth reporting as codes.
var errnoCodes = map[syscall.Errno]string{
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.EPIPE:        "EPIPE",
}

// CodeOf extracts an error code from err: an ErrorCode() method, an OpenAI
// SDK error code, or a socket errno name. "" if none.
func CodeOf(err error) string {
	var ec interface{ ErrorCode() string }
	if errors.As(err, &ec) {
		if c := ec.ErrorCode(); c != "" {
			return c
		}
	}
	var oaiErr *sdkopenai.Error
	if errors.As(err, &oaiErr) && oaiErr.Code != "" {
		return oaiErr.Code
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errnoCodes[errno]
	}
	return ""
}

package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		check     func(error) bool
		retryable bool
	}{
		{400, "", func(e error) bool { _, ok := e.(*InvalidRequestError); return ok }, false},
		{400, "context_length_exceeded", func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, false},
		{401, "", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, false},
		{403, "", func(e error) bool { _, ok := e.(*AccessDeniedError); return ok }, false},
		{404, "", func(e error) bool { _, ok := e.(*NotFoundError); return ok }, false},
		{408, "", func(e error) bool { _, ok := e.(*RequestTimeoutError); return ok }, true},
		{413, "", func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, false},
		{422, "", func(e error) bool { _, ok := e.(*InvalidRequestError); return ok }, false},
		{429, "", func(e error) bool { _, ok := e.(*RateLimitError); return ok }, true},
		{500, "", func(e error) bool { _, ok := e.(*ServerError); return ok }, true},
		{503, "", func(e error) bool { _, ok := e.(*ServerError); return ok }, true},
		{599, "", func(e error) bool { _, ok := e.(*ProviderError); return ok }, true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", tt.code, nil)
		if !tt.check(err) {
			t.Errorf("status %d code %q: unexpected type %T", tt.status, tt.code, err)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"stream error", &StreamErrorType{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"context canceled", fmt.Errorf("wrapped: %w", context.Canceled), false},
		{"deadline", &RequestTimeoutError{SDKError: SDKError{Message: "t", Cause: context.DeadlineExceeded}}, false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &NetworkError{SDKError: SDKError{Message: "wrapper", Cause: cause}}
	if !errors.Is(err, cause) {
		t.Error("expected NetworkError to unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "root cause") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}

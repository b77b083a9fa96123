package unifiedllm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	err      error
	events   []StreamEvent
	requests []Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	resp := &Response{
		ID:           "test_resp",
		Model:        "test-model",
		Provider:     name,
		Text:         text,
		FinishReason: FinishReason{Reason: "stop"},
		Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}
	return &mockAdapter{
		name: name,
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: text},
			{Type: StreamFinish, FinishReason: &resp.FinishReason, Response: resp},
		},
	}
}

func collect(t *testing.T, ch <-chan StreamEvent) *Response {
	t.Helper()
	acc := NewStreamAccumulator()
	for ev := range ch {
		acc.Process(ev)
	}
	resp, err := acc.Result()
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	return resp
}

func TestClientStream(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := collect(t, ch)
	if resp.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text)
	}
	if got := mock.requests[0].Provider; got != "test-provider" {
		t.Errorf("expected provider to be filled in as %q, got %q", "test-provider", got)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	local := newMockAdapter("local", "Local response")
	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("local", local),
		WithDefaultProvider("openai"),
	)

	tests := []struct {
		provider string
		want     string
	}{
		{"", "OpenAI response"},
		{"openai", "OpenAI response"},
		{"local", "Local response"},
	}
	for _, tt := range tests {
		ch, err := client.Stream(context.Background(), Request{Provider: tt.provider})
		if err != nil {
			t.Fatalf("provider %q: %v", tt.provider, err)
		}
		if got := collect(t, ch).Text; got != tt.want {
			t.Errorf("provider %q: expected %q, got %q", tt.provider, tt.want, got)
		}
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Stream(context.Background(), Request{Model: "x"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}

	_, err = NewClient(WithProvider("a", newMockAdapter("a", ""))).Stream(context.Background(), Request{Provider: "b"})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for unregistered provider, got %v", err)
	}
}

func TestClientStreamMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) StreamMiddleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
			order = append(order, name)
			return next(ctx, req)
		}
	}
	client := NewClient(
		WithProvider("p", newMockAdapter("p", "ok")),
		WithStreamMiddleware(mw("first"), mw("second")),
	)
	ch, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collect(t, ch)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected [first second], got %v", order)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("late", newMockAdapter("late", "registered"))
	ch, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := collect(t, ch).Text; got != "registered" {
		t.Errorf("expected %q, got %q", "registered", got)
	}
}

func TestLoggingMiddlewarePassesEventsThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelTrace}))
	client := NewClient(
		WithProvider("p", newMockAdapter("p", "logged")),
		WithStreamMiddleware(LoggingMiddleware(logger)),
	)
	ch, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := collect(t, ch).Text; got != "logged" {
		t.Errorf("expected %q, got %q", "logged", got)
	}
}

func TestStreamAccumulator(t *testing.T) {
	t.Run("builds response from parts", func(t *testing.T) {
		acc := NewStreamAccumulator()
		acc.Process(StreamEvent{Type: StreamStart})
		acc.Process(StreamEvent{Type: ReasoningDelta, ReasoningDelta: "hmm "})
		acc.Process(StreamEvent{Type: ReasoningDelta, ReasoningDelta: "ok"})
		acc.Process(StreamEvent{Type: TextDelta, Delta: "Hel"})
		acc.Process(StreamEvent{Type: TextDelta, Delta: "lo"})
		acc.Process(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1", Name: "read_file"}})

		resp, err := acc.Result()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Text != "Hello" || resp.Reasoning != "hmm ok" {
			t.Errorf("unexpected text/reasoning: %q / %q", resp.Text, resp.Reasoning)
		}
		if len(resp.ToolCalls) != 1 || resp.FinishReason.Reason != "tool_calls" {
			t.Errorf("unexpected tool calls: %+v, finish %q", resp.ToolCalls, resp.FinishReason.Reason)
		}
		if acc.Finished() {
			t.Error("expected Finished() false without a finish event")
		}
	})

	t.Run("final response wins", func(t *testing.T) {
		acc := NewStreamAccumulator()
		acc.Process(StreamEvent{Type: TextDelta, Delta: "partial"})
		acc.Process(StreamEvent{Type: StreamFinish, Response: &Response{Text: "final"}})
		resp, _ := acc.Result()
		if resp.Text != "final" {
			t.Errorf("expected final response text, got %q", resp.Text)
		}
		if !acc.Finished() {
			t.Error("expected Finished() after finish event")
		}
	})

	t.Run("error", func(t *testing.T) {
		acc := NewStreamAccumulator()
		acc.Process(StreamEvent{Type: StreamError})
		if _, err := acc.Result(); err == nil {
			t.Fatal("expected error")
		}
		var se *StreamErrorType
		if !errors.As(acc.Err(), &se) {
			t.Errorf("expected StreamErrorType for nil stream error, got %T", acc.Err())
		}
	})
}

package unifiedllm

import "context"

// ProviderAdapter is the interface every provider backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "gollm").
	Name() string

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed after a StreamFinish or StreamError event, or when
	// ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

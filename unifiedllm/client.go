package unifiedllm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LevelTrace is the slog level used for full request and response
// payloads. It sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// StreamMiddleware wraps a streaming provider call. It receives the request
// and a next function that calls the downstream handler.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters by provider name
// and applies stream middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithStreamMiddleware adds stream middleware to the client. The first
// middleware registered is the outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Stream sends a streaming request through middleware to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return adapter.Stream(ctx, r)
	}

	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoggingMiddleware logs each stream request and its outcome.
func LoggingMiddleware(logger *slog.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		start := time.Now()
		logger.Debug("model request",
			"provider", req.Provider,
			"model", req.Model,
			"messages", len(req.Messages),
			"tools", len(req.ToolDefs),
		)
		upstream, err := next(ctx, req)
		if err != nil {
			logger.Error("model request failed", "provider", req.Provider, "error", err)
			return nil, err
		}

		out := make(chan StreamEvent, cap(upstream))
		go func() {
			defer close(out)
			for ev := range upstream {
				switch ev.Type {
				case StreamFinish:
					attrs := []any{"provider", req.Provider, "duration", time.Since(start)}
					if ev.Response != nil {
						attrs = append(attrs,
							"finish_reason", ev.Response.FinishReason.Reason,
							"tool_calls", len(ev.Response.ToolCalls),
							"output_tokens", ev.Response.Usage.OutputTokens,
						)
					}
					logger.Debug("model response", attrs...)
				case StreamError:
					logger.Warn("model stream error", "provider", req.Provider, "error", ev.Error)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm works with a single prompt string, so the conversation is flattened
// into labelled sections and tool calls are recovered from JSON in the
// response text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for a gollm provider such as
// "openai", "anthropic", "groq", or "ollama". If apiKey is empty, gollm
// reads it from the provider's environment variable.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5"
		case "ollama":
			model = "llama3.1"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}

	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}

	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream sends a streaming request and returns a channel of StreamEvent
// objects. Providers without streaming support fall back to a single
// blocking generation emitted as one delta.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			if !send(StreamEvent{Type: StreamStart}) {
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			a.finish(req, text, send)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		// Text is buffered rather than forwarded token by token: a
		// response that turns out to be a tool call must not leak its
		// JSON to the caller as visible content.
		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
		}
		a.finish(req, fullText.String(), send)
	}()

	return ch, nil
}

// finish emits the text delta, any parsed tool calls, and the final
// response.
func (a *GollmAdapter) finish(req Request, text string, send func(StreamEvent) bool) {
	resp := a.buildResponse(req, text)
	if resp.Text != "" {
		if !send(StreamEvent{Type: TextDelta, Delta: resp.Text}) {
			return
		}
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &tc}) {
			return
		}
	}
	send(StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	})
}

// translateRequest flattens a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			parts = append(parts, "[User]: "+msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				if tc.NameOnly {
					parts = append(parts, "[Tool Call]: "+tc.Name)
					continue
				}
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
					}
					parts = append(parts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if s := strings.TrimSpace(systemPrompt.String()); s != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		if req.ToolChoice != nil {
			promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
		}
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls := parseToolCalls(text)
	cleaned := removeToolCallJSON(text, toolCalls)

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	input := estimateTokens(req)
	output := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Text:         cleaned,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: Usage{
			// gollm doesn't expose usage; estimate from text length.
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

// parseToolCalls extracts tool calls embedded in response text, either as
// {"tool_calls":[...]} or as a bare [{"name":...,"arguments":...}] array.
func parseToolCalls(text string) []ToolCall {
	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var raw []rawCall
	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if dec.Decode(&wrapped) == nil {
			raw = wrapped.ToolCalls
		}
	} else if start := strings.Index(text, `[{"name"`); start != -1 {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		_ = dec.Decode(&raw)
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		calls = append(calls, finalizeToolCall("", rc.Name, string(rc.Arguments)))
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// removeToolCallJSON strips the tool call JSON from the text.
func removeToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 401,
		}}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 403,
		}}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 429, Retryable: true,
		}}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 413,
		}}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 500, Retryable: true,
		}}
	case strings.Contains(msgLower, "timeout") || strings.Contains(msgLower, "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "context canceled"):
		return &AbortError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: msg, Cause: err},
			Provider:  a.provider,
			Retryable: true,
		}
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}

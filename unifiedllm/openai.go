package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter streams chat completions from any OpenAI-compatible
// endpoint.
type OpenAIAdapter struct {
	name       string
	client     openai.Client
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(a *OpenAIAdapter) { a.httpClient = c }
}

// WithProviderName overrides the provider name reported by Name.
func WithProviderName(name string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.name = name }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(a *OpenAIAdapter) { a.logger = l }
}

// NewOpenAIAdapter creates an adapter for the chat-completions API rooted
// at baseURL (for example "https://api.openai.com/v1"). Retries are left
// to RetryMiddleware, so the SDK's own retry loop is disabled.
func NewOpenAIAdapter(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	a := &OpenAIAdapter{
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	clientOpts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(a.httpClient),
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	a.client = openai.NewClient(clientOpts...)
	return a
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// reservedBodyKeys are request fields that provider options may not replace.
var reservedBodyKeys = map[string]bool{
	"model":          true,
	"messages":       true,
	"tools":          true,
	"tool_choice":    true,
	"stream":         true,
	"stream_options": true,
}

// Stream opens a streaming chat completion and translates its chunks into
// StreamEvents. The first chunk is read before Stream returns, so HTTP
// status errors reach the caller as errors rather than stream events.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := buildOpenAIParams(req)
	if a.logger.Enabled(ctx, LevelTrace) {
		if body, err := json.Marshal(params); err == nil {
			a.logger.Log(ctx, LevelTrace, "request payload", "provider", a.name, "json", string(body))
		}
	}

	var reqOpts []option.RequestOption
	for k, v := range req.ProviderOptions {
		if reservedBodyKeys[k] {
			continue
		}
		reqOpts = append(reqOpts, option.WithJSONSet(k, v))
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	primed := stream.Next()
	if !primed {
		if err := stream.Err(); err != nil {
			stream.Close()
			return nil, a.classify(ctx, err)
		}
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()
		a.readStream(ctx, stream, primed, req, ch)
	}()
	return ch, nil
}

// readStream drains stream into ch. When primed is set the stream has
// already been advanced to its first chunk.
func (a *OpenAIAdapter) readStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], primed bool, req Request, ch chan<- StreamEvent) {
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(StreamEvent{Type: StreamStart}) {
		return
	}

	var (
		acc       openai.ChatCompletionAccumulator
		reasoning strings.Builder
		started   = map[int64]bool{}
		finish    = FinishReason{Reason: "stop"}
		usage     Usage
	)

	for primed || stream.Next() {
		primed = false
		chunk := stream.Current()
		if !acc.AddChunk(chunk) {
			a.logger.Debug("chunk not accumulated", "provider", a.name, "chunk_id", chunk.ID)
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
		}

		for _, choice := range chunk.Choices {
			d := choice.Delta
			if rc := deltaReasoning(d); rc != "" {
				reasoning.WriteString(rc)
				if !send(StreamEvent{Type: ReasoningDelta, ReasoningDelta: rc}) {
					return
				}
			}
			if d.Content != "" {
				if !send(StreamEvent{Type: TextDelta, Delta: d.Content}) {
					return
				}
			}
			for _, tc := range d.ToolCalls {
				if !started[tc.Index] {
					started[tc.Index] = true
					if !send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name}}) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !send(StreamEvent{Type: ToolCallDelta, Delta: tc.Function.Arguments, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name}}) {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finish = mapFinishReason(string(choice.FinishReason))
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(StreamEvent{Type: StreamError, Error: a.classify(ctx, err)})
		return
	}
	if ctx.Err() != nil {
		send(StreamEvent{Type: StreamError, Error: transportError(ctx, ctx.Err())})
		return
	}

	var text string
	var toolCalls []ToolCall
	if len(acc.Choices) > 0 {
		msg := acc.Choices[0].Message
		text = msg.Content
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name == "" && tc.Function.Arguments == "" && tc.ID == "" {
				continue
			}
			call := finalizeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
			toolCalls = append(toolCalls, call)
			if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
				return
			}
		}
	}
	if len(toolCalls) > 0 && finish.Reason == "stop" {
		finish = FinishReason{Reason: "tool_calls", Raw: finish.Raw}
	}
	model := acc.Model
	if model == "" {
		model = req.Model
	}

	resp := &Response{
		ID:           acc.ID,
		Model:        model,
		Provider:     a.name,
		Text:         text,
		Reasoning:    reasoning.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}
	a.logger.Log(ctx, LevelTrace, "stream final content", "provider", a.name, "content", resp.Text)
	send(StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	})
}

// deltaReasoning extracts the vendor reasoning text carried as an extra
// delta field ("reasoning_content" or "reasoning").
func deltaReasoning(d openai.ChatCompletionChunkChoiceDelta) string {
	for _, key := range []string{"reasoning_content", "reasoning"} {
		field, ok := d.JSON.ExtraFields[key]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(field.Raw())
		if raw == "" || raw == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// finalizeToolCall builds a ToolCall from accumulated fragments. Arguments
// is set only when the text is valid JSON; an empty argument string is
// treated as an empty object.
func finalizeToolCall(id, name, rawArgs string) ToolCall {
	if id == "" {
		id = "call_" + uuid.New().String()[:8]
	}
	tc := ToolCall{ID: id, Name: name, RawArguments: rawArgs}
	trimmed := strings.TrimSpace(rawArgs)
	if trimmed == "" {
		trimmed = "{}"
	}
	if json.Valid([]byte(trimmed)) {
		tc.Arguments = json.RawMessage(trimmed)
	}
	return tc
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "tool_calls", "content_filter":
		return FinishReason{Reason: raw, Raw: raw}
	case "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

func buildOpenAIParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: convertOpenAIMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if tools := convertOpenAITools(req.ToolDefs); len(tools) > 0 {
		params.Tools = tools
		if req.ToolChoice != nil && req.ToolChoice.Mode != "" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String(req.ToolChoice.Mode),
			}
		}
	}
	return params
}

func convertOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.TextContent()))

		case RoleUser:
			images := m.Images()
			if len(images) == 0 {
				out = append(out, openai.UserMessage(m.TextContent()))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.TextContent())}
			for _, img := range images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: img.DataURL(),
				}))
			}
			out = append(out, openai.UserMessage(parts))

		case RoleAssistant:
			text := m.TextContent()
			var calls []openai.ChatCompletionMessageToolCallParam
			var placeholders []string
			for _, tc := range m.ToolCalls() {
				if tc.NameOnly {
					placeholders = append(placeholders, "[called tool: "+tc.Name+"]")
					continue
				}
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if len(placeholders) > 0 {
				if text != "" {
					placeholders = append([]string{text}, placeholders...)
				}
				text = strings.Join(placeholders, "\n")
			}
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case RoleTool:
			for _, part := range m.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ToolCallID))
				}
			}
		}
	}
	return out
}

func convertOpenAITools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		}
	}
	return out
}

// classify maps an SDK error onto the unified error taxonomy.
func (a *OpenAIAdapter) classify(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return a.statusError(apiErr)
	}
	var urlErr *url.Error
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &urlErr) {
		return transportError(ctx, err)
	}
	return &StreamErrorType{SDKError: SDKError{Message: fmt.Sprintf("[%s] %v", a.name, err), Cause: err}}
}

func (a *OpenAIAdapter) statusError(apiErr *openai.Error) error {
	message := strings.TrimSpace(apiErr.Message)
	if message == "" {
		message = http.StatusText(apiErr.StatusCode)
	}

	var retryAfter *float64
	if apiErr.Response != nil {
		if v := apiErr.Response.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				retryAfter = &secs
			}
		}
	}
	a.logger.Error("API error", "provider", a.name, "status", apiErr.StatusCode, "body", message)
	return ErrorFromStatusCode(apiErr.StatusCode, message, a.name, apiErr.Code, retryAfter)
}

// transportError classifies an error from the HTTP round trip or body read.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: "model request timed out", Cause: err}}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &AbortError{SDKError: SDKError{Message: "model request cancelled", Cause: context.Canceled}}
	default:
		return &NetworkError{SDKError: SDKError{Message: "model request failed", Cause: err}}
	}
}

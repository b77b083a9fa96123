package unifiedllm

import (
	"strings"
)

// StreamAccumulator folds a stream of events into a Response.
type StreamAccumulator struct {
	text         strings.Builder
	reasoning    strings.Builder
	toolCalls    []ToolCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
	err          error
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		sa.text.WriteString(event.Delta)
	case ReasoningDelta:
		sa.reasoning.WriteString(event.ReasoningDelta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			sa.toolCalls = append(sa.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	case StreamError:
		sa.err = event.Error
		if sa.err == nil {
			sa.err = &StreamErrorType{SDKError: SDKError{Message: "stream failed"}}
		}
	}
}

// Err returns the stream error, if one was observed.
func (sa *StreamAccumulator) Err() error {
	return sa.err
}

// Finished reports whether a StreamFinish event was observed.
func (sa *StreamAccumulator) Finished() bool {
	return sa.response != nil || sa.finishReason != nil
}

// Result returns the accumulated response. A provider-supplied final
// Response takes precedence over the accumulated parts. If the stream
// failed, the error is returned instead.
func (sa *StreamAccumulator) Result() (*Response, error) {
	if sa.err != nil {
		return nil, sa.err
	}
	if sa.response != nil {
		return sa.response, nil
	}

	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	} else if len(sa.toolCalls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Text:         sa.text.String(),
		Reasoning:    sa.reasoning.String(),
		ToolCalls:    sa.toolCalls,
		FinishReason: fr,
		Usage:        usage,
	}, nil
}

package agentloop

import (
	"encoding/json"

	"github.com/martinemde/chatloop/record"
)

// EventType identifies the kind of loop event.
type EventType string

const (
	EventReasoningStart EventType = "reasoning_start"
	EventReasoning      EventType = "reasoning"
	EventReasoningEnd   EventType = "reasoning_end"
	EventContent        EventType = "content"
	EventToolCallsStart EventType = "tool_calls_start"
	EventToolStart      EventType = "tool_start"
	EventToolResult     EventType = "tool_result"
	EventRecord         EventType = "record"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventReasoningStart, EventReasoning, EventReasoningEnd, EventContent,
		EventToolCallsStart, EventToolStart, EventToolResult, EventRecord,
		EventError, EventDone:
		return true
	}
	return false
}

// ToolCallRequest describes one tool call requested by the model, as
// announced in a tool_calls_start event.
type ToolCallRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Event is one unit of loop progress. Which fields are meaningful depends on
// Type:
//
//	content, reasoning, error   Content
//	tool_calls_start            ToolCalls
//	tool_start                  ToolCallID, ToolName, Arguments
//	tool_result, record         Record
type Event struct {
	Type       EventType
	Content    string
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	ToolCalls  []ToolCallRequest
	Record     *record.Record
}

// Constructors for each event variant.

func ContentEvent(delta string) Event   { return Event{Type: EventContent, Content: delta} }
func ReasoningEvent(delta string) Event { return Event{Type: EventReasoning, Content: delta} }
func ErrorEvent(msg string) Event       { return Event{Type: EventError, Content: msg} }
func DoneEvent() Event                  { return Event{Type: EventDone} }

func RecordEvent(rec record.Record) Event {
	return Event{Type: EventRecord, Record: &rec}
}

func ToolResultEvent(rec record.Record) Event {
	return Event{Type: EventToolResult, Record: &rec}
}

func ToolStartEvent(id, name string, args map[string]any) Event {
	return Event{Type: EventToolStart, ToolCallID: id, ToolName: name, Arguments: args}
}

// MarshalJSON encodes the event with exactly the fields of its variant.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventContent, EventReasoning, EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})

	case EventToolCallsStart:
		return json.Marshal(struct {
			Type      EventType         `json:"type"`
			ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
		}{e.Type, e.ToolCalls})

	case EventToolStart:
		args := e.Arguments
		if args == nil {
			args = map[string]any{}
		}
		return json.Marshal(struct {
			Type       EventType      `json:"type"`
			ToolCallID string         `json:"tool_call_id"`
			ToolName   string         `json:"tool_name"`
			Arguments  map[string]any `json:"arguments"`
		}{e.Type, e.ToolCallID, e.ToolName, args})

	case EventToolResult, EventRecord:
		return json.Marshal(struct {
			Type   EventType      `json:"type"`
			Record *record.Record `json:"record"`
		}{e.Type, e.Record})

	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// UnmarshalJSON decodes any event variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		Type       EventType         `json:"type"`
		Content    string            `json:"content"`
		ToolCallID string            `json:"tool_call_id"`
		ToolName   string            `json:"tool_name"`
		Arguments  map[string]any    `json:"arguments"`
		ToolCalls  []ToolCallRequest `json:"tool_calls"`
		Record     *record.Record    `json:"record"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event(w)
	return nil
}

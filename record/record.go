package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind discriminates between record variants. It is serialized as the
// record's "type" field.
type Kind string

const (
	KindMessage  Kind = "message"
	KindToolCall Kind = "tool_call"
)

// Role identifies the author of a MessageRecord.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known message roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Attachment is a binary payload attached to a message, typically an image
// uploaded with a user turn. Data is base64 encoded.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data,omitempty"`
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// IsImage reports whether the attachment carries an image MIME type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// MessageRecord is a conversational message.
type MessageRecord struct {
	Role             Role         `json:"role"`
	Content          string       `json:"content"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	BinaryContent    []Attachment `json:"binary_content,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

// ToolCallRecord is the committed outcome of a single tool invocation.
type ToolCallRecord struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Result     any            `json:"result"`
	Success    bool           `json:"success"`
	Timestamp  time.Time      `json:"timestamp"`
	// TurnID groups the calls requested by one model response. Calls with
	// different turn ids never share an assistant message in the context.
	TurnID string `json:"turn_id,omitempty"`
}

// Record is a single entry in a session's log. Exactly one of Message or
// ToolCall is set, matching Kind.
type Record struct {
	Kind     Kind
	Message  *MessageRecord
	ToolCall *ToolCallRecord
}

// NewMessage creates a message Record.
func NewMessage(role Role, content string) Record {
	return Record{
		Kind:    KindMessage,
		Message: &MessageRecord{Role: role, Content: content},
	}
}

// NewAssistantMessage creates an assistant message Record carrying both the
// visible content and the display-only reasoning text.
func NewAssistantMessage(content, reasoning string) Record {
	return Record{
		Kind: KindMessage,
		Message: &MessageRecord{
			Role:             RoleAssistant,
			Content:          content,
			ReasoningContent: reasoning,
		},
	}
}

// NewToolCall creates a tool call Record.
func NewToolCall(id, name string, args map[string]any, result any, success bool) Record {
	return Record{
		Kind: KindToolCall,
		ToolCall: &ToolCallRecord{
			ToolCallID: id,
			ToolName:   name,
			Arguments:  args,
			Result:     result,
			Success:    success,
		},
	}
}

// Timestamp returns the record's timestamp regardless of its kind.
func (r Record) Timestamp() time.Time {
	switch r.Kind {
	case KindMessage:
		if r.Message != nil {
			return r.Message.Timestamp
		}
	case KindToolCall:
		if r.ToolCall != nil {
			return r.ToolCall.Timestamp
		}
	}
	return time.Time{}
}

// Validate checks that the variant pointer matches Kind and that required
// fields are present.
func (r Record) Validate() error {
	switch r.Kind {
	case KindMessage:
		if r.Message == nil {
			return fmt.Errorf("message record has no message body")
		}
		if !r.Message.Role.Valid() {
			return fmt.Errorf("invalid message role: %q", r.Message.Role)
		}
	case KindToolCall:
		if r.ToolCall == nil {
			return fmt.Errorf("tool_call record has no tool call body")
		}
		if r.ToolCall.ToolCallID == "" {
			return fmt.Errorf("tool_call record is missing tool_call_id")
		}
		if r.ToolCall.ToolName == "" {
			return fmt.Errorf("tool_call record %s is missing tool_name", r.ToolCall.ToolCallID)
		}
	default:
		return fmt.Errorf("unknown record type: %q", r.Kind)
	}
	return nil
}

// Clone returns a copy of r that shares no variant struct, attachment slice,
// or argument map with the original. Result values are shared; they are
// treated as immutable.
func (r Record) Clone() Record {
	out := Record{Kind: r.Kind}
	if r.Message != nil {
		m := *r.Message
		if m.BinaryContent != nil {
			m.BinaryContent = append([]Attachment(nil), m.BinaryContent...)
		}
		out.Message = &m
	}
	if r.ToolCall != nil {
		tc := *r.ToolCall
		if tc.Arguments != nil {
			tc.Arguments = maps.Clone(tc.Arguments)
		}
		out.ToolCall = &tc
	}
	return out
}

// stamp returns a clone of r with its timestamp set to now if it was zero.
func (r Record) stamp(now time.Time) Record {
	out := r.Clone()
	switch out.Kind {
	case KindMessage:
		if out.Message.Timestamp.IsZero() {
			out.Message.Timestamp = now
		}
	case KindToolCall:
		if out.ToolCall.Timestamp.IsZero() {
			out.ToolCall.Timestamp = now
		}
	}
	return out
}

// MarshalJSON flattens the variant into a single object with a "type"
// discriminator.
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindMessage:
		if r.Message == nil {
			return nil, fmt.Errorf("marshal record: message body is nil")
		}
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*MessageRecord
		}{KindMessage, r.Message})
	case KindToolCall:
		if r.ToolCall == nil {
			return nil, fmt.Errorf("marshal record: tool call body is nil")
		}
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*ToolCallRecord
		}{KindToolCall, r.ToolCall})
	default:
		return nil, fmt.Errorf("marshal record: unknown type %q", r.Kind)
	}
}

// UnmarshalJSON decodes a flattened record using its "type" discriminator.
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	switch head.Type {
	case KindMessage:
		var m MessageRecord
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("unmarshal message record: %w", err)
		}
		*r = Record{Kind: KindMessage, Message: &m}
	case KindToolCall:
		var tc ToolCallRecord
		if err := json.Unmarshal(data, &tc); err != nil {
			return fmt.Errorf("unmarshal tool_call record: %w", err)
		}
		*r = Record{Kind: KindToolCall, ToolCall: &tc}
	default:
		return fmt.Errorf("unmarshal record: unknown type %q", head.Type)
	}
	return nil
}

// timestamp decodes RFC 3339 as well as the zone-less ISO forms written
// by older session files. Zone-less values are taken as UTC.
type timestamp time.Time

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*t = timestamp{}
		return nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*t = timestamp(parsed)
	return nil
}

func (m *MessageRecord) UnmarshalJSON(data []byte) error {
	type plain MessageRecord
	aux := struct {
		*plain
		Timestamp timestamp `json:"timestamp"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Timestamp = time.Time(aux.Timestamp)
	return nil
}

func (tc *ToolCallRecord) UnmarshalJSON(data []byte) error {
	type plain ToolCallRecord
	aux := struct {
		*plain
		Timestamp timestamp `json:"timestamp"`
	}{plain: (*plain)(tc)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	tc.Timestamp = time.Time(aux.Timestamp)
	return nil
}

// Session is a conversation and its ordered record log.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Record  `json:"records"`
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		CreatedAt timestamp `json:"created_at"`
		UpdatedAt timestamp `json:"updated_at"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.CreatedAt = time.Time(aux.CreatedAt)
	s.UpdatedAt = time.Time(aux.UpdatedAt)
	return nil
}

// Summary is session metadata without the record log, as returned by
// Store.List.
type Summary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	RecordCount int       `json:"record_count"`
}

// snapshot returns a deep copy of s safe to hand to callers.
func (s *Session) snapshot() *Session {
	out := *s
	out.Records = cloneRecords(s.Records)
	return &out
}

func (s *Session) summary() Summary {
	return Summary{
		ID:          s.ID,
		Title:       s.Title,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		RecordCount: len(s.Records),
	}
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

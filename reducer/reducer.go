// Package reducer rebuilds a displayable conversation from loop events.
//
// Reduce is a pure function: it never modifies the State it is given, so
// replaying the same events from an empty State always produces the same
// bubbles. The terminal client and any other consumer of the event stream
// use it to render progress.
package reducer

import (
	"maps"
	"slices"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/record"
)

// Kind is the kind of a displayed bubble.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindReasoning Kind = "reasoning"
	KindTool      Kind = "tool"
	KindError     Kind = "error"
)

// Status reports whether a bubble may still change.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
)

// StopMarker is appended to the bubble that was open when a run was stopped.
const StopMarker = "[stopped]"

// Bubble is one displayed unit of conversation: a user turn, an assistant
// text span, a reasoning span, a single tool call or an error.
type Bubble struct {
	Kind    Kind
	Status  Status
	Content string

	Attachments []record.Attachment

	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	Result     any
	Success    bool

	Stopped bool
}

// State is the reduced conversation. The zero value is an empty
// conversation.
type State struct {
	Bubbles []Bubble

	// open is the index+1 of the streaming reasoning or assistant bubble.
	open int
	// tools maps a tool_call_id to the index of its streaming bubble.
	tools   map[string]int
	done    bool
	stopped bool
}

// Done reports whether the done event was seen.
func (s State) Done() bool { return s.done }

// Stopped reports whether the run was stopped.
func (s State) Stopped() bool { return s.stopped }

// Streaming reports whether any bubble is still streaming.
func (s State) Streaming() bool {
	for _, b := range s.Bubbles {
		if b.Status == StatusStreaming {
			return true
		}
	}
	return false
}

func (s State) clone() State {
	s.Bubbles = slices.Clone(s.Bubbles)
	s.tools = maps.Clone(s.tools)
	return s
}

func (s *State) openBubble() *Bubble {
	if s.open == 0 {
		return nil
	}
	return &s.Bubbles[s.open-1]
}

// closeOpen marks the open text bubble complete.
func (s *State) closeOpen() {
	if b := s.openBubble(); b != nil {
		b.Status = StatusComplete
	}
	s.open = 0
}

func (s *State) push(b Bubble) int {
	s.Bubbles = append(s.Bubbles, b)
	return len(s.Bubbles) - 1
}

// appendText adds delta to the open bubble of kind k, opening one if needed.
func (s *State) appendText(k Kind, delta string) {
	if b := s.openBubble(); b != nil && b.Kind == k {
		b.Content += delta
		return
	}
	s.closeOpen()
	s.open = s.push(Bubble{Kind: k, Status: StatusStreaming, Content: delta}) + 1
}

// Reduce returns the state after applying ev. Events after Stop are ignored.
func Reduce(s State, ev agentloop.Event) State {
	if s.stopped {
		return s
	}
	s = s.clone()

	switch ev.Type {
	case agentloop.EventReasoningStart:
		s.closeOpen()
		s.open = s.push(Bubble{Kind: KindReasoning, Status: StatusStreaming}) + 1

	case agentloop.EventReasoning:
		s.appendText(KindReasoning, ev.Content)

	case agentloop.EventReasoningEnd:
		if b := s.openBubble(); b != nil && b.Kind == KindReasoning {
			s.closeOpen()
		}

	case agentloop.EventContent:
		s.appendText(KindAssistant, ev.Content)

	case agentloop.EventRecord:
		if ev.Record != nil {
			s.applyRecord(*ev.Record)
		}

	case agentloop.EventToolStart:
		s.closeOpen()
		idx := s.push(Bubble{
			Kind:       KindTool,
			Status:     StatusStreaming,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			Arguments:  ev.Arguments,
		})
		if s.tools == nil {
			s.tools = make(map[string]int)
		}
		s.tools[ev.ToolCallID] = idx

	case agentloop.EventToolResult:
		if ev.Record != nil && ev.Record.ToolCall != nil {
			s.applyToolResult(*ev.Record.ToolCall)
		}

	case agentloop.EventError:
		s.closeOpen()
		s.push(Bubble{Kind: KindError, Status: StatusComplete, Content: ev.Content})

	case agentloop.EventDone:
		s.done = true

	case agentloop.EventToolCallsStart:
		// Each call gets its bubble on tool_start.
	}
	return s
}

func (s *State) applyRecord(rec record.Record) {
	if rec.Kind == record.KindToolCall && rec.ToolCall != nil {
		s.applyToolResult(*rec.ToolCall)
		return
	}
	msg := rec.Message
	if msg == nil {
		return
	}

	switch msg.Role {
	case record.RoleUser:
		s.closeOpen()
		s.push(Bubble{
			Kind:        KindUser,
			Status:      StatusComplete,
			Content:     msg.Content,
			Attachments: msg.BinaryContent,
		})

	case record.RoleAssistant:
		if b := s.openBubble(); b != nil && b.Kind == KindAssistant {
			b.Content = msg.Content
			s.closeOpen()
			return
		}
		s.closeOpen()
		if msg.Content != "" {
			s.push(Bubble{Kind: KindAssistant, Status: StatusComplete, Content: msg.Content})
		}
	}
}

func (s *State) applyToolResult(tc record.ToolCallRecord) {
	if idx, ok := s.tools[tc.ToolCallID]; ok {
		b := &s.Bubbles[idx]
		b.Result = tc.Result
		b.Success = tc.Success
		b.Status = StatusComplete
		delete(s.tools, tc.ToolCallID)
		return
	}
	// No matching tool_start: show the result on its own.
	s.closeOpen()
	s.push(toolBubble(tc))
}

func toolBubble(tc record.ToolCallRecord) Bubble {
	return Bubble{
		Kind:       KindTool,
		Status:     StatusComplete,
		ToolCallID: tc.ToolCallID,
		ToolName:   tc.ToolName,
		Arguments:  tc.Arguments,
		Result:     tc.Result,
		Success:    tc.Success,
	}
}

// Stop finalizes the state after the client aborts a run. The open bubble
// gets StopMarker appended: the streaming text bubble if there is one, else
// the most recent tool bubble still awaiting a result. With nothing open a
// marker bubble is added. Every pending tool bubble is completed without a
// result. Later calls to Reduce leave the state unchanged.
func Stop(s State) State {
	if s.stopped {
		return s
	}
	s = s.clone()
	s.stopped = true

	latestTool := -1
	for _, idx := range s.tools {
		s.Bubbles[idx].Status = StatusComplete
		s.Bubbles[idx].Stopped = true
		latestTool = max(latestTool, idx)
	}
	s.tools = nil

	switch b := s.openBubble(); {
	case b != nil:
		appendStopMarker(b)
		s.closeOpen()
	case latestTool >= 0:
		appendStopMarker(&s.Bubbles[latestTool])
	default:
		s.push(Bubble{Kind: KindAssistant, Status: StatusComplete, Content: StopMarker, Stopped: true})
	}
	return s
}

func appendStopMarker(b *Bubble) {
	if b.Content != "" {
		b.Content += "\n"
	}
	b.Content += StopMarker
	b.Stopped = true
}

// Replay reduces events from an empty state.
func Replay(events []agentloop.Event) State {
	var s State
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

// FromRecords renders a persisted session as the bubbles a live stream of
// the same turns produces. System messages are not displayed.
func FromRecords(records []record.Record) State {
	var s State
	for _, rec := range records {
		switch rec.Kind {
		case record.KindMessage:
			msg := rec.Message
			if msg == nil {
				continue
			}
			switch msg.Role {
			case record.RoleUser:
				s.push(Bubble{Kind: KindUser, Status: StatusComplete, Content: msg.Content, Attachments: msg.BinaryContent})
			case record.RoleAssistant:
				if msg.ReasoningContent != "" {
					s.push(Bubble{Kind: KindReasoning, Status: StatusComplete, Content: msg.ReasoningContent})
				}
				if msg.Content != "" {
					s.push(Bubble{Kind: KindAssistant, Status: StatusComplete, Content: msg.Content})
				}
			}
		case record.KindToolCall:
			if rec.ToolCall != nil {
				s.push(toolBubble(*rec.ToolCall))
			}
		}
	}
	return s
}

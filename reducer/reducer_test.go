package reducer

import (
	"reflect"
	"testing"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/record"
)

func toolRecord(id string, success bool) record.Record {
	return record.NewToolCall(id, "read_file", map[string]any{"file_path": "a.txt"}, map[string]any{"content": "A"}, success)
}

// session is the event stream of one run with reasoning, a tool call and
// a final answer.
func session() []agentloop.Event {
	return []agentloop.Event{
		agentloop.RecordEvent(record.NewMessage(record.RoleUser, "read a.txt")),
		{Type: agentloop.EventReasoningStart},
		agentloop.ReasoningEvent("I should "),
		agentloop.ReasoningEvent("read it."),
		{Type: agentloop.EventReasoningEnd},
		agentloop.RecordEvent(record.NewAssistantMessage("", "I should read it.")),
		{Type: agentloop.EventToolCallsStart},
		agentloop.ToolStartEvent("c1", "read_file", map[string]any{"file_path": "a.txt"}),
		agentloop.ToolResultEvent(toolRecord("c1", true)),
		agentloop.ContentEvent("It says "),
		agentloop.ContentEvent("A"),
		agentloop.RecordEvent(record.NewAssistantMessage("It says A.", "")),
		agentloop.DoneEvent(),
	}
}

type view struct {
	Kind    Kind
	Status  Status
	Content string
	Tool    string
}

func views(s State) []view {
	out := make([]view, len(s.Bubbles))
	for i, b := range s.Bubbles {
		out[i] = view{b.Kind, b.Status, b.Content, b.ToolCallID}
	}
	return out
}

func TestReplaySession(t *testing.T) {
	s := Replay(session())

	want := []view{
		{KindUser, StatusComplete, "read a.txt", ""},
		{KindReasoning, StatusComplete, "I should read it.", ""},
		{KindTool, StatusComplete, "", "c1"},
		{KindAssistant, StatusComplete, "It says A.", ""},
	}
	if got := views(s); !reflect.DeepEqual(got, want) {
		t.Fatalf("bubbles = %+v\nwant %+v", got, want)
	}
	tool := s.Bubbles[2]
	if !tool.Success || tool.ToolName != "read_file" || tool.Arguments["file_path"] != "a.txt" {
		t.Errorf("unexpected tool bubble %+v", tool)
	}
	if !s.Done() || s.Streaming() {
		t.Error("expected a finished, non-streaming state")
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	events := session()
	first := Replay(events)
	second := Replay(events)
	if !reflect.DeepEqual(first, second) {
		t.Error("replaying the same events produced different states")
	}
}

func TestReduceDoesNotModifyInput(t *testing.T) {
	events := session()
	before := Replay(events[:10])
	snapshot := views(before)

	Reduce(before, agentloop.ContentEvent(" more"))
	Reduce(before, agentloop.RecordEvent(record.NewAssistantMessage("final", "")))
	Stop(before)

	if got := views(before); !reflect.DeepEqual(got, snapshot) {
		t.Errorf("input state changed:\n got %+v\nwant %+v", got, snapshot)
	}
}

func TestReduceRules(t *testing.T) {
	tests := []struct {
		name   string
		events []agentloop.Event
		want   []view
	}{
		{
			name: "content without record stays streaming",
			events: []agentloop.Event{
				agentloop.ContentEvent("Hel"),
				agentloop.ContentEvent("lo"),
			},
			want: []view{{KindAssistant, StatusStreaming, "Hello", ""}},
		},
		{
			name: "record replaces streamed content",
			events: []agentloop.Event{
				agentloop.ContentEvent("Hello "),
				agentloop.RecordEvent(record.NewAssistantMessage("Hello", "")),
			},
			want: []view{{KindAssistant, StatusComplete, "Hello", ""}},
		},
		{
			name: "record without streamed content adds a bubble",
			events: []agentloop.Event{
				agentloop.RecordEvent(record.NewAssistantMessage("Direct answer", "")),
			},
			want: []view{{KindAssistant, StatusComplete, "Direct answer", ""}},
		},
		{
			name: "empty assistant record adds nothing",
			events: []agentloop.Event{
				agentloop.RecordEvent(record.NewAssistantMessage("", "thoughts")),
			},
			want: []view{},
		},
		{
			name: "tool start closes content",
			events: []agentloop.Event{
				agentloop.ContentEvent("Checking"),
				agentloop.ToolStartEvent("c1", "read_file", nil),
			},
			want: []view{
				{KindAssistant, StatusComplete, "Checking", ""},
				{KindTool, StatusStreaming, "", "c1"},
			},
		},
		{
			name: "mismatched tool result appends a bubble",
			events: []agentloop.Event{
				agentloop.ToolStartEvent("c1", "read_file", nil),
				agentloop.ToolResultEvent(toolRecord("c2", false)),
			},
			want: []view{
				{KindTool, StatusStreaming, "", "c1"},
				{KindTool, StatusComplete, "", "c2"},
			},
		},
		{
			name: "content after reasoning without end closes reasoning",
			events: []agentloop.Event{
				{Type: agentloop.EventReasoningStart},
				agentloop.ReasoningEvent("hmm"),
				agentloop.ContentEvent("Answer"),
			},
			want: []view{
				{KindReasoning, StatusComplete, "hmm", ""},
				{KindAssistant, StatusStreaming, "Answer", ""},
			},
		},
		{
			name: "error closes the open bubble",
			events: []agentloop.Event{
				agentloop.ContentEvent("partial"),
				agentloop.ErrorEvent("Error: model call failed: boom"),
			},
			want: []view{
				{KindAssistant, StatusComplete, "partial", ""},
				{KindError, StatusComplete, "Error: model call failed: boom", ""},
			},
		},
		{
			name: "system records are not shown",
			events: []agentloop.Event{
				agentloop.RecordEvent(record.NewMessage(record.RoleSystem, "prompt")),
			},
			want: []view{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := views(Replay(tt.events)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("bubbles = %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestStopMidContent(t *testing.T) {
	s := Replay([]agentloop.Event{
		agentloop.RecordEvent(record.NewMessage(record.RoleUser, "write an essay")),
		agentloop.ContentEvent("Once upon"),
	})
	s = Stop(s)

	last := s.Bubbles[len(s.Bubbles)-1]
	if last.Status != StatusComplete || !last.Stopped || last.Content != "Once upon\n"+StopMarker {
		t.Errorf("unexpected last bubble %+v", last)
	}
	if !s.Stopped() || s.Streaming() {
		t.Error("expected a stopped, non-streaming state")
	}

	after := Reduce(s, agentloop.ContentEvent(" a time"))
	if !reflect.DeepEqual(after, s) {
		t.Error("events after stop must be ignored")
	}
}

func TestStopDuringToolCall(t *testing.T) {
	s := Replay([]agentloop.Event{
		agentloop.ToolStartEvent("c1", "read_file", map[string]any{"path": "a"}),
		agentloop.ToolStartEvent("c2", "shell_run", map[string]any{"command": "sleep 100"}),
	})
	s = Stop(s)

	if len(s.Bubbles) != 2 {
		t.Fatalf("expected the marker on the open tool bubble, got %d bubbles", len(s.Bubbles))
	}
	for _, tool := range s.Bubbles {
		if tool.Status != StatusComplete || !tool.Stopped || tool.Result != nil {
			t.Errorf("unexpected tool bubble %+v", tool)
		}
	}
	if s.Bubbles[0].Content != "" {
		t.Errorf("older tool bubble should not carry the marker, got %q", s.Bubbles[0].Content)
	}
	if s.Bubbles[1].Content != StopMarker {
		t.Errorf("open tool bubble content = %q, want %q", s.Bubbles[1].Content, StopMarker)
	}
}

func TestStopWithNothingOpen(t *testing.T) {
	s := Replay([]agentloop.Event{
		agentloop.RecordEvent(record.NewMessage(record.RoleUser, "hi")),
	})
	s = Stop(s)

	if len(s.Bubbles) != 2 {
		t.Fatalf("expected user bubble plus marker, got %d bubbles", len(s.Bubbles))
	}
	if marker := s.Bubbles[1]; marker.Kind != KindAssistant || marker.Content != StopMarker || !marker.Stopped {
		t.Errorf("unexpected marker bubble %+v", marker)
	}
}

func TestFromRecordsMatchesLiveStream(t *testing.T) {
	records := []record.Record{
		record.NewMessage(record.RoleSystem, "legacy prompt"),
		record.NewMessage(record.RoleUser, "read a.txt"),
		record.NewAssistantMessage("", "I should read it."),
		toolRecord("c1", true),
		record.NewAssistantMessage("It says A.", ""),
	}

	live := Replay(session())
	stored := FromRecords(records)
	if !reflect.DeepEqual(views(stored), views(live)) {
		t.Errorf("stored = %+v\nlive   = %+v", views(stored), views(live))
	}
}

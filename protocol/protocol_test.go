package protocol

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/record"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncoderFraming(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.Encode(agentloop.ContentEvent("Hi")); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(agentloop.ToolStartEvent("c1", "read_file", nil)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Done(); err != nil {
		t.Fatal(err)
	}

	want := `data: {"type":"content","content":"Hi"}` + "\n\n" +
		`data: {"type":"tool_start","tool_call_id":"c1","tool_name":"read_file","arguments":{}}` + "\n\n" +
		"data: [DONE]\n\n"
	if got := buf.String(); got != want {
		t.Errorf("framing mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestEncoderFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	if err := enc.Encode(agentloop.DoneEvent()); err != nil {
		t.Fatal(err)
	}
	if !rec.Flushed {
		t.Error("expected the response to be flushed after each frame")
	}

	SetHeaders(rec.Header())
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCopyPreservesOrder(t *testing.T) {
	events := []agentloop.Event{
		agentloop.RecordEvent(record.NewMessage(record.RoleUser, "hi")),
		{Type: agentloop.EventReasoningStart},
		agentloop.ReasoningEvent("hmm"),
		{Type: agentloop.EventReasoningEnd},
		agentloop.ContentEvent("Hel"),
		agentloop.ContentEvent("lo"),
		agentloop.RecordEvent(record.NewAssistantMessage("Hello", "hmm")),
		agentloop.DoneEvent(),
	}
	ch := make(chan agentloop.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	var buf bytes.Buffer
	if err := Copy(NewEncoder(&buf), ch); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf, discardLogger())
	for i, want := range events {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got.Type != want.Type || got.Content != want.Content {
			t.Errorf("event %d = %s %q, want %s %q", i, got.Type, got.Content, want.Type, want.Content)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected io.EOF after [DONE], got %v", err)
	}
}

func TestDecoderMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"",
		`data: {"type":"content","content":"a"}`,
		"",
		`data: {not json`,
		"",
		`data: {"type":"bogus"}`,
		"",
		"event: ignored",
		`data: {"type":"content","content":"b"}`,
		"",
		"data: [DONE]",
		"",
		`data: {"type":"content","content":"after done"}`,
	}, "\n")

	t.Run("strict", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader(stream), discardLogger())
		if ev, err := dec.Decode(); err != nil || ev.Content != "a" {
			t.Fatalf("first event = %+v, %v", ev, err)
		}
		var malformed *MalformedEventError
		if _, err := dec.Decode(); !errors.As(err, &malformed) {
			t.Fatalf("expected MalformedEventError, got %v", err)
		}
		if malformed.Line != `data: {not json` {
			t.Errorf("unexpected line %q", malformed.Line)
		}
		if _, err := dec.Decode(); !errors.As(err, &malformed) || !strings.Contains(err.Error(), "unknown event type") {
			t.Errorf("expected unknown type error, got %v", err)
		}
	})

	t.Run("lenient", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader(stream), discardLogger())
		var contents []string
		for {
			ev, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			contents = append(contents, ev.Content)
		}
		if strings.Join(contents, ",") != "a,b" {
			t.Errorf("contents = %v, want [a b]", contents)
		}
	})
}

func TestDecoderEndOfInputWithoutSentinel(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`data: {"type":"done"}`), discardLogger())
	if ev, err := dec.Decode(); err != nil || ev.Type != agentloop.EventDone {
		t.Fatalf("unexpected %+v, %v", ev, err)
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestCopyStopsOnWriteError(t *testing.T) {
	ch := make(chan agentloop.Event, 2)
	ch <- agentloop.ContentEvent("x")
	ch <- agentloop.DoneEvent()
	close(ch)

	if err := Copy(NewEncoder(failingWriter{}), ch); err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("expected write error, got %v", err)
	}
}

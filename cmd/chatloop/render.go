package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/chatloop/reducer"
)

const resultPreview = 160

// transcript prints a reduced conversation incrementally. Each update
// writes only what changed since the previous one, so it can follow a live
// stream as well as print a finished session.
type transcript struct {
	w        io.Writer
	showUser bool

	next    int  // first bubble not yet finished
	written int  // bytes of Bubbles[next].Content already printed
	started bool // header printed for Bubbles[next]
}

func (t *transcript) update(st reducer.State) {
	for t.next < len(st.Bubbles) {
		b := st.Bubbles[t.next]
		if b.Kind == reducer.KindUser && !t.showUser {
			t.advance()
			continue
		}
		if !t.started {
			fmt.Fprint(t.w, header(b))
			t.started = true
		}
		if b.Kind != reducer.KindTool && len(b.Content) > t.written {
			fmt.Fprint(t.w, b.Content[t.written:])
			t.written = len(b.Content)
		}
		if b.Status == reducer.StatusStreaming {
			return
		}
		fmt.Fprintln(t.w, footer(b))
		t.advance()
	}
}

// finish ends a bubble left streaming when the stream stopped early.
func (t *transcript) finish() {
	if t.started {
		fmt.Fprintln(t.w)
		t.advance()
	}
}

func (t *transcript) advance() {
	t.next++
	t.written = 0
	t.started = false
}

func header(b reducer.Bubble) string {
	switch b.Kind {
	case reducer.KindUser:
		return "you> "
	case reducer.KindReasoning:
		return "(thinking) "
	case reducer.KindTool:
		args := ""
		if len(b.Arguments) > 0 {
			args = compactJSON(b.Arguments)
		}
		return fmt.Sprintf("> %s(%s)", b.ToolName, args)
	case reducer.KindError:
		return "error: "
	default:
		return "assistant> "
	}
}

func footer(b reducer.Bubble) string {
	if b.Kind != reducer.KindTool {
		if len(b.Attachments) > 0 {
			return fmt.Sprintf(" [%d attachment(s)]", len(b.Attachments))
		}
		return ""
	}
	switch {
	case b.Stopped:
		return " " + reducer.StopMarker
	case b.Success:
		return " ok: " + preview(b.Result)
	default:
		return " failed: " + preview(b.Result)
	}
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func preview(v any) string {
	s, ok := v.(string)
	if !ok {
		s = compactJSON(v)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > resultPreview {
		return s[:resultPreview] + "..."
	}
	return s
}

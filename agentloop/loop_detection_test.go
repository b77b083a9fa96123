package agentloop

import (
	"testing"

	"github.com/martinemde/chatloop/record"
)

func callsOf(names ...string) []record.Record {
	out := []record.Record{user("go")}
	for i, n := range names {
		out = append(out, record.NewToolCall(string(rune('a'+i)), n, map[string]any{"path": n}, "ok", true))
	}
	return out
}

func TestDetectLoop(t *testing.T) {
	tests := []struct {
		name    string
		records []record.Record
		window  int
		want    bool
	}{
		{"same call repeated", callsOf("x", "x", "x", "x"), 4, true},
		{"pair repeated", callsOf("x", "y", "x", "y"), 4, true},
		{"triple repeated", callsOf("x", "y", "z", "x", "y", "z"), 6, true},
		{"varied calls", callsOf("x", "y", "z", "w"), 4, false},
		{"broken pattern", callsOf("x", "x", "x", "y"), 4, false},
		{"too few calls", callsOf("x", "x"), 4, false},
		{"only recent window counts", callsOf("q", "x", "x", "x"), 3, true},
		{"disabled", callsOf("x", "x", "x", "x"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.records, tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolCallSignatureDependsOnArguments(t *testing.T) {
	a := toolCallSignature("read_file", map[string]any{"file_path": "a", "limit": 1})
	b := toolCallSignature("read_file", map[string]any{"limit": 1, "file_path": "a"})
	c := toolCallSignature("read_file", map[string]any{"file_path": "b"})
	if a != b {
		t.Error("signature must not depend on key order")
	}
	if a == c {
		t.Error("different arguments must give different signatures")
	}
}

package agentloop

import (
	"fmt"
	"strings"
	"testing"

	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/unifiedllm"
)

func user(content string) record.Record { return record.NewMessage(record.RoleUser, content) }

func assistant(content string) record.Record { return record.NewAssistantMessage(content, "") }

func toolCall(id, name string) record.Record {
	return record.NewToolCall(id, name, map[string]any{"path": id}, "result of "+id, true)
}

// countCalls returns the number of full and name-only tool calls in msgs and
// the number of tool result messages.
func countCalls(msgs []unifiedllm.Message) (full, nameOnly, results int) {
	for _, m := range msgs {
		if m.Role == unifiedllm.RoleTool {
			results++
		}
		for _, tc := range m.ToolCalls() {
			if tc.NameOnly {
				nameOnly++
			} else {
				full++
			}
		}
	}
	return
}

// threeRounds is a session with one tool call in each of three turns.
func threeRounds() []record.Record {
	return []record.Record{
		user("look around"),
		assistant("Listing."),
		toolCall("c1", "list_directory"),
		assistant("Reading."),
		toolCall("c2", "read_file"),
		assistant("Running."),
		toolCall("c3", "shell_run"),
		assistant("Done."),
	}
}

func TestBuildContextReferenceFixture(t *testing.T) {
	// Three rounds with two kept: round 1 is name-only with no result.
	msgs := BuildContext(threeRounds(), 2)

	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	want := "user,assistant,assistant,tool,assistant,tool,assistant"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("roles = %s, want %s", got, want)
	}

	first := msgs[1].ToolCalls()
	if len(first) != 1 || !first[0].NameOnly || first[0].Name != "list_directory" {
		t.Errorf("round 1 should be name-only list_directory, got %+v", first)
	}
	if first[0].Arguments != nil || first[0].ID != "" {
		t.Errorf("name-only call must not carry id or arguments: %+v", first[0])
	}

	second := msgs[2].ToolCalls()
	if len(second) != 1 || second[0].NameOnly || second[0].ID != "c2" {
		t.Errorf("round 2 should be full, got %+v", second)
	}
	if string(second[0].Arguments) != `{"path":"c2"}` {
		t.Errorf("unexpected arguments %s", second[0].Arguments)
	}
	result := msgs[3].Content[0].ToolResult
	if result.ToolCallID != "c2" || result.Content != "result of c2" || result.IsError {
		t.Errorf("unexpected result for c2: %+v", result)
	}
}

func TestBuildContextTruncationCounts(t *testing.T) {
	sessions := map[string][]record.Record{
		"three rounds": threeRounds(),
		"batched": {
			user("go"),
			assistant(""),
			toolCall("a", "read_file"),
			toolCall("b", "read_file"),
			toolCall("c", "read_file"),
			assistant("next"),
			toolCall("d", "shell_run"),
			toolCall("e", "shell_run"),
		},
		"no tools": {user("hi"), assistant("hello")},
	}

	for name, records := range sessions {
		total := 0
		for _, r := range records {
			if r.Kind == record.KindToolCall {
				total++
			}
		}
		for rounds := 0; rounds <= total+2; rounds++ {
			t.Run(fmt.Sprintf("%s/rounds=%d", name, rounds), func(t *testing.T) {
				full, nameOnly, results := countCalls(BuildContext(records, rounds))
				if want := min(total, rounds); full != want || results != want {
					t.Errorf("full=%d results=%d, want %d", full, results, want)
				}
				if want := max(total-rounds, 0); nameOnly != want {
					t.Errorf("nameOnly=%d, want %d", nameOnly, want)
				}
			})
		}
	}
}

func TestBuildContextFullCallsAreMostRecent(t *testing.T) {
	records := []record.Record{
		user("go"),
		assistant(""),
		toolCall("a", "read_file"),
		toolCall("b", "read_file"),
		toolCall("c", "read_file"),
	}
	// Truncation is per call by running index, so the batch is split.
	msgs := BuildContext(records, 1)
	calls := msgs[1].ToolCalls()
	if len(calls) != 3 {
		t.Fatalf("expected all calls grouped on one assistant message, got %d", len(calls))
	}
	if !calls[0].NameOnly || !calls[1].NameOnly || calls[2].NameOnly {
		t.Errorf("expected only the last call in full, got %+v", calls)
	}
	if calls[2].ID != "c" {
		t.Errorf("expected full call c, got %q", calls[2].ID)
	}
}

func TestBuildContextBoundaries(t *testing.T) {
	t.Run("zero rounds", func(t *testing.T) {
		full, nameOnly, results := countCalls(BuildContext(threeRounds(), 0))
		if full != 0 || results != 0 || nameOnly != 3 {
			t.Errorf("full=%d results=%d nameOnly=%d", full, results, nameOnly)
		}
	})
	t.Run("negative rounds", func(t *testing.T) {
		full, _, _ := countCalls(BuildContext(threeRounds(), -5))
		if full != 0 {
			t.Errorf("expected negative rounds treated as zero, got %d full", full)
		}
	})
	t.Run("rounds at least total", func(t *testing.T) {
		full, nameOnly, _ := countCalls(BuildContext(threeRounds(), 3))
		if full != 3 || nameOnly != 0 {
			t.Errorf("full=%d nameOnly=%d", full, nameOnly)
		}
	})
}

func TestBuildContextGrouping(t *testing.T) {
	records := []record.Record{
		user("go"),
		toolCall("a", "read_file"),
		toolCall("b", "list_directory"),
		assistant("summary"),
	}
	msgs := BuildContext(records, 10)

	// user, implicit assistant with both calls, two results in order, final assistant.
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[1].Role != unifiedllm.RoleAssistant || msgs[1].TextContent() != "" {
		t.Errorf("expected implicit empty assistant message, got %+v", msgs[1])
	}
	if len(msgs[1].ToolCalls()) != 2 {
		t.Errorf("expected 2 grouped calls, got %d", len(msgs[1].ToolCalls()))
	}
	if msgs[2].ToolCallID != "a" || msgs[3].ToolCallID != "b" {
		t.Errorf("results out of order: %q, %q", msgs[2].ToolCallID, msgs[3].ToolCallID)
	}
	if msgs[4].TextContent() != "summary" {
		t.Errorf("expected final assistant text, got %q", msgs[4].TextContent())
	}
}

func TestBuildContextSplitsTurns(t *testing.T) {
	inTurn := func(id, turn string) record.Record {
		rec := toolCall(id, "read_file")
		rec.ToolCall.TurnID = turn
		return rec
	}
	records := []record.Record{
		user("go"),
		inTurn("a", "t1"),
		inTurn("b", "t1"),
		inTurn("c", "t2"),
		assistant("done"),
	}
	msgs := BuildContext(records, 10)

	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	want := "user,assistant,tool,tool,assistant,tool,assistant"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("roles = %s, want %s", got, want)
	}
	if n := len(msgs[1].ToolCalls()); n != 2 {
		t.Errorf("first turn carries %d calls, want 2", n)
	}
	if calls := msgs[4].ToolCalls(); len(calls) != 1 || calls[0].ID != "c" {
		t.Errorf("second turn calls = %+v, want only c", calls)
	}
	if msgs[5].ToolCallID != "c" {
		t.Errorf("result of c should follow its own turn, got %q", msgs[5].ToolCallID)
	}
}

func TestBuildContextMessages(t *testing.T) {
	withReasoning := record.NewAssistantMessage("answer", "private thoughts")
	failed := record.NewToolCall("f", "read_file", nil, map[string]any{"error": "no such file"}, false)

	records := []record.Record{
		record.NewMessage(record.RoleSystem, "legacy system prompt"),
		user("first"),
		withReasoning,
		failed,
	}
	msgs := BuildContext(records, 10)

	if msgs[0].Role != unifiedllm.RoleSystem || msgs[0].TextContent() != "legacy system prompt" {
		t.Errorf("unexpected system message %+v", msgs[0])
	}
	for _, m := range msgs {
		if strings.Contains(m.TextContent(), "private thoughts") {
			t.Error("reasoning content must not be sent to the model")
		}
	}
	calls := msgs[2].ToolCalls()
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Errorf("expected empty arguments as {}, got %+v", calls)
	}
	res := msgs[3].Content[0].ToolResult
	if !res.IsError || res.Content != `{"error":"no such file"}` {
		t.Errorf("unexpected failed result %+v", res)
	}
}

func TestBuildContextImagesOnLatestUserMessage(t *testing.T) {
	img := record.Attachment{Type: "binary", MimeType: "image/png", Data: "QUJD"}
	first := user("old picture")
	first.Message.BinaryContent = []record.Attachment{img}
	second := user("new picture")
	second.Message.BinaryContent = []record.Attachment{img, {Type: "binary", MimeType: "application/pdf", Data: "eA=="}}

	msgs := BuildContext([]record.Record{first, assistant("ok"), second}, 10)
	if n := len(msgs[0].Images()); n != 0 {
		t.Errorf("expected no images on older user message, got %d", n)
	}
	images := msgs[2].Images()
	if len(images) != 1 {
		t.Fatalf("expected 1 image on latest user message, got %d", len(images))
	}
	if images[0].DataURL() != "data:image/png;base64,QUJD" {
		t.Errorf("unexpected image url %q", images[0].DataURL())
	}
}

func TestBuildContextTruncatesLargeResults(t *testing.T) {
	big := strings.Repeat("x", 5000)
	records := []record.Record{
		user("go"),
		record.NewToolCall("c", "read_file", nil, big, true),
	}
	msgs := ContextBuilder{Rounds: 10, CharLimits: map[string]int{"read_file": 100}}.Build(records)
	content := msgs[2].Content[0].ToolResult.Content
	if len(content) >= len(big) || !strings.Contains(content, "truncated") {
		t.Errorf("expected truncated result, got %d chars", len(content))
	}
	if records[1].ToolCall.Result != big {
		t.Error("building the context must not modify the record")
	}
}

package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are helpful.")
		if msg.Role != RoleSystem {
			t.Errorf("expected role %q, got %q", RoleSystem, msg.Role)
		}
		if msg.TextContent() != "You are helpful." {
			t.Errorf("expected text %q, got %q", "You are helpful.", msg.TextContent())
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Hello")
		if msg.Role != RoleUser {
			t.Errorf("expected role %q, got %q", RoleUser, msg.Role)
		}
		if msg.TextContent() != "Hello" {
			t.Errorf("expected text %q, got %q", "Hello", msg.TextContent())
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Hi there")
		if msg.Role != RoleAssistant {
			t.Errorf("expected role %q, got %q", RoleAssistant, msg.Role)
		}
		if msg.TextContent() != "Hi there" {
			t.Errorf("expected text %q, got %q", "Hi there", msg.TextContent())
		}
	})

	t.Run("ToolResultMessage", func(t *testing.T) {
		msg := ToolResultMessage("call_123", "72F and sunny", false)
		if msg.Role != RoleTool {
			t.Errorf("expected role %q, got %q", RoleTool, msg.Role)
		}
		if msg.ToolCallID != "call_123" {
			t.Errorf("expected tool_call_id %q, got %q", "call_123", msg.ToolCallID)
		}
		if len(msg.Content) != 1 {
			t.Fatalf("expected 1 content part, got %d", len(msg.Content))
		}
		if msg.Content[0].Kind != ContentToolResult {
			t.Errorf("expected kind %q, got %q", ContentToolResult, msg.Content[0].Kind)
		}
	})
}

	t.Run("AssistantMessage empty", func(t *testing.T) {
		msg := AssistantMessage("")
		if len(msg.Content) != 0 {
			t.Errorf("expected no content parts, got %d", len(msg.Content))
		}
	})
}

func TestContentPartConstructors(t *testing.T) {
	t.Run("TextPart", func(t *testing.T) {
		part := TextPart("hello")
		if part.Kind != ContentText || part.Text != "hello" {
			t.Errorf("unexpected part: %+v", part)
		}
	})

	t.Run("ImagePart", func(t *testing.T) {
		part := ImagePart(ImageData{Data: "aGVsbG8=", MediaType: "image/png"})
		if part.Kind != ContentImage || part.Image == nil {
			t.Fatalf("unexpected part: %+v", part)
		}
		if part.Image.MediaType != "image/png" {
			t.Errorf("expected media type image/png, got %q", part.Image.MediaType)
		}
	})

	t.Run("ToolCallPart", func(t *testing.T) {
		part := ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"a.txt"}`))
		if part.Kind != ContentToolCall || part.ToolCall == nil {
			t.Fatalf("unexpected part: %+v", part)
		}
		if part.ToolCall.ID != "call_1" || part.ToolCall.NameOnly {
			t.Errorf("unexpected tool call: %+v", part.ToolCall)
		}
	})

	t.Run("NameOnlyToolCallPart", func(t *testing.T) {
		part := NameOnlyToolCallPart("read_file")
		if part.ToolCall == nil || !part.ToolCall.NameOnly {
			t.Fatalf("expected name-only tool call, got %+v", part.ToolCall)
		}
		if part.ToolCall.ID != "" || part.ToolCall.Arguments != nil {
			t.Errorf("name-only call should carry no id or arguments: %+v", part.ToolCall)
		}
	})
}

func TestImageDataURL(t *testing.T) {
	tests := []struct {
		name string
		img  ImageData
		want string
	}{
		{"url wins", ImageData{URL: "https://example.com/a.png", Data: "xx"}, "https://example.com/a.png"},
		{"default media type", ImageData{Data: "QUJD"}, "data:image/jpeg;base64,QUJD"},
		{"explicit media type", ImageData{Data: "QUJD", MediaType: "image/png"}, "data:image/png;base64,QUJD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.img.DataURL(); got != tt.want {
				t.Errorf("DataURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageTextContent(t *testing.T) {
	msg := Message{
		Role: RoleUser,
		Content: []ContentPart{
			TextPart("Hello "),
			ImagePart(ImageData{Data: "QUJD"}),
			TextPart("world"),
		},
	}
	if text := msg.TextContent(); text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", text)
	}
	if imgs := msg.Images(); len(imgs) != 1 {
		t.Errorf("expected 1 image, got %d", len(imgs))
	}
}

func TestMessageToolCalls(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Let me check."),
			NameOnlyToolCallPart("list_directory"),
			ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"a"}`)),
			ToolCallPart("call_2", "read_file", json.RawMessage(`{"path":"b"}`)),
		},
	}
	calls := msg.ToolCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d", len(calls))
	}
	if !calls[0].NameOnly || calls[1].ID != "call_1" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	b := Usage{InputTokens: 5, OutputTokens: 15, TotalTokens: 20}
	result := a.Add(b)

	if result.InputTokens != 15 {
		t.Errorf("expected input_tokens 15, got %d", result.InputTokens)
	}
	if result.OutputTokens != 35 {
		t.Errorf("expected output_tokens 35, got %d", result.OutputTokens)
	}
	if result.TotalTokens != 50 {
		t.Errorf("expected total_tokens 50, got %d", result.TotalTokens)
	}
}

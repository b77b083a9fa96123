package agentloop

import (
	"encoding/json"

	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/unifiedllm"
)

// ContextBuilder turns a session's records into the message list sent to
// the model.
//
// Of the T tool calls in the log, the most recent Rounds are sent in full
// with their results. The rest keep only the tool name and their result
// messages are omitted. Truncation is per call by running index, so one
// batch of calls may be split across the boundary.
//
// Consecutive tool calls share an assistant message unless their turn ids
// differ, which marks calls requested by separate model responses.
type ContextBuilder struct {
	Rounds     int
	CharLimits map[string]int
	LineLimits map[string]int
}

// BuildContext builds the model context with default output limits.
func BuildContext(records []record.Record, rounds int) []unifiedllm.Message {
	return ContextBuilder{Rounds: rounds}.Build(records)
}

// Build converts records into model messages. Reasoning content is never
// included. Image attachments are only forwarded for the most recent user
// message.
func (b ContextBuilder) Build(records []record.Record) []unifiedllm.Message {
	total := 0
	lastUser := -1
	for i, rec := range records {
		switch {
		case rec.Kind == record.KindToolCall:
			total++
		case rec.Kind == record.KindMessage && rec.Message.Role == record.RoleUser:
			lastUser = i
		}
	}
	threshold := max(total-max(b.Rounds, 0), 0)

	var (
		out     []unifiedllm.Message
		results []unifiedllm.Message
		open    = -1 // index in out of the assistant message collecting tool calls
		turn    string
		index   = 0
	)
	flush := func() {
		out = append(out, results...)
		results = nil
		open = -1
		turn = ""
	}

	for i, rec := range records {
		switch rec.Kind {
		case record.KindMessage:
			flush()
			msg := rec.Message
			switch msg.Role {
			case record.RoleSystem:
				out = append(out, unifiedllm.SystemMessage(msg.Content))
			case record.RoleUser:
				out = append(out, userMessage(msg, i == lastUser))
			case record.RoleAssistant:
				out = append(out, unifiedllm.AssistantMessage(msg.Content))
				open = len(out) - 1
			}

		case record.KindToolCall:
			tc := rec.ToolCall
			if open >= 0 && turn != "" && tc.TurnID != "" && tc.TurnID != turn {
				flush()
			}
			if open < 0 {
				out = append(out, unifiedllm.AssistantMessage(""))
				open = len(out) - 1
			}
			if turn == "" {
				turn = tc.TurnID
			}
			if index < threshold {
				out[open].Content = append(out[open].Content, unifiedllm.NameOnlyToolCallPart(tc.ToolName))
			} else {
				out[open].Content = append(out[open].Content,
					unifiedllm.ToolCallPart(tc.ToolCallID, tc.ToolName, encodeArguments(tc.Arguments)))
				content := TruncateToolOutput(ResultText(tc.Result), tc.ToolName, b.CharLimits, b.LineLimits)
				results = append(results, unifiedllm.ToolResultMessage(tc.ToolCallID, content, !tc.Success))
			}
			index++
		}
	}
	flush()
	return out
}

func userMessage(msg *record.MessageRecord, withImages bool) unifiedllm.Message {
	m := unifiedllm.UserMessage(msg.Content)
	if !withImages {
		return m
	}
	for _, att := range msg.BinaryContent {
		if !att.IsImage() || (att.Data == "" && att.URL == "") {
			continue
		}
		m.Content = append(m.Content, unifiedllm.ImagePart(unifiedllm.ImageData{
			URL:       att.URL,
			Data:      att.Data,
			MediaType: att.MimeType,
		}))
	}
	return m
}

func encodeArguments(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// ResultText renders a tool result for the model: strings verbatim,
// anything else as JSON.
func ResultText(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/chatloop/record"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments). Map keys marshal in sorted order.
func toolCallSignature(name string, args map[string]any) string {
	data, _ := json.Marshal(args)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns the signatures of the last count tool calls in
// records, oldest first.
func recentSignatures(records []record.Record, count int) []string {
	var sigs []string
	for i := len(records) - 1; i >= 0 && len(sigs) < count; i-- {
		if tc := records[i].ToolCall; records[i].Kind == record.KindToolCall && tc != nil {
			sigs = append(sigs, toolCallSignature(tc.ToolName, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls in records
// repeat a pattern of length 1, 2, or 3.
func DetectLoop(records []record.Record, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentSignatures(records, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		matched := true
		for i := patternLen; i < windowSize && matched; i++ {
			matched = sigs[i] == sigs[i%patternLen]
		}
		if matched {
			return true
		}
	}
	return false
}

package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// defaultOutputLimit applies to tools without an entry in DefaultToolCharLimits.
const defaultOutputLimit = 30000

// DefaultToolCharLimits are the per-tool character limits for tool results
// placed in the model context.
var DefaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"shell_run":      30000,
	"list_directory": 20000,
	"write_file":     1000,
	"use_skill":      50000,
	"list_skills":    10000,
}

// DefaultTruncationModes are the per-tool truncation modes.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":      TruncateHeadTail,
	"shell_run":      TruncateHeadTail,
	"list_directory": TruncateTail,
	"write_file":     TruncateTail,
	"use_skill":      TruncateHeadTail,
	"list_skills":    TruncateTail,
}

// DefaultToolLineLimits are applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	"shell_run":      256,
	"list_directory": 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full result is stored in the session.]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character truncation, then line truncation,
// using the given limits with the package defaults as fallback.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = defaultOutputLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}

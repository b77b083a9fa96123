package agentloop

import (
	"maps"
	"time"
)

// MaxIterationsNotice is the assistant message recorded when a run stops
// because the model kept requesting tools.
const MaxIterationsNotice = "Tool execution reached maximum iterations. Please try again with a simpler request."

// Config holds the settings of a Loop. The Loop keeps its own copy, so
// later changes to the caller's value have no effect until SetConfig.
type Config struct {
	// Model and Provider select the model for every call.
	Model    string
	Provider string

	// MaxIterations bounds the number of model calls in one run.
	MaxIterations int

	// ToolHistoryRounds is the number of most recent tool calls sent to the
	// model with full arguments and results. Older calls are name-only.
	ToolHistoryRounds int

	// EventBuffer is the capacity of the event channel returned by Submit
	// and Run.
	EventBuffer int

	// ModelTimeout bounds a single model call. Zero means no timeout.
	ModelTimeout time.Duration

	// LoopDetectionWindow is the number of recent tool calls checked for a
	// repeating pattern, which is logged as a warning. Zero disables it.
	LoopDetectionWindow int

	Temperature     *float64
	MaxTokens       *int
	ProviderOptions map[string]any

	// ToolOutputLimits overrides the per-tool character limits applied to
	// tool results in the model context.
	ToolOutputLimits map[string]int
	ToolLineLimits   map[string]int
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     50,
		ToolHistoryRounds: 10,
		EventBuffer:       64,
		ModelTimeout:      5 * time.Minute,

		LoopDetectionWindow: 10,
	}
}

// clone returns c with its maps and pointers copied.
func (c Config) clone() Config {
	c.ProviderOptions = maps.Clone(c.ProviderOptions)
	c.ToolOutputLimits = maps.Clone(c.ToolOutputLimits)
	c.ToolLineLimits = maps.Clone(c.ToolLineLimits)
	if c.Temperature != nil {
		t := *c.Temperature
		c.Temperature = &t
	}
	if c.MaxTokens != nil {
		n := *c.MaxTokens
		c.MaxTokens = &n
	}
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ToolHistoryRounds < 0 {
		c.ToolHistoryRounds = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Package config handles chatloop configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/chatloop/agentloop"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/chatloop/config.yaml, /etc/chatloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatloop", "config.yaml"))
	}

	paths = append(paths, "/etc/chatloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chatloop configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Model    ModelConfig   `yaml:"model"`
	Agent    AgentConfig   `yaml:"agent"`
	Storage  StorageConfig `yaml:"storage"`
	Tools    ToolsConfig   `yaml:"tools"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig selects and tunes the model backend.
type ModelConfig struct {
	// Adapter is "openai" for any OpenAI-compatible endpoint at BaseURL, or
	// "gollm" to reach Provider through gollm.
	Adapter  string `yaml:"adapter"`
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	// EnableThinking asks OpenAI-compatible reasoning models to stream
	// their thinking.
	EnableThinking bool `yaml:"enable_thinking"`

	TimeoutSec  int      `yaml:"timeout_sec"`
	MaxRetries  int      `yaml:"max_retries"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

// AgentConfig bounds the tool loop.
type AgentConfig struct {
	MaxIterations      int    `yaml:"max_iterations"`
	ToolHistoryRounds  int    `yaml:"tool_history_rounds"`
	EventBuffer        int    `yaml:"event_buffer"`
	Persona            string `yaml:"persona"`
	CustomInstructions string `yaml:"custom_instructions"`
	// ToolOutputLimits overrides per-tool character limits for tool
	// results sent to the model.
	ToolOutputLimits map[string]int `yaml:"tool_output_limits"`
	// LoopDetectionWindow is how many recent tool calls are checked for a
	// repeating pattern. Zero disables the check.
	LoopDetectionWindow int `yaml:"loop_detection_window"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // file or sqlite
	// Path is a directory for the file backend and a database file for
	// sqlite. Empty uses "sessions" or "chatloop.db".
	Path string `yaml:"path"`
}

// ToolsConfig defines the tools offered to the model.
type ToolsConfig struct {
	// Workspace is the root for relative file tool paths and the default
	// shell working directory. Empty means the current directory.
	Workspace string `yaml:"workspace"`
	// SkillsDir holds skill documents. Empty disables the skill tools.
	SkillsDir string      `yaml:"skills_dir"`
	Shell     ShellConfig `yaml:"shell"`
}

// ShellConfig defines shell execution capabilities.
type ShellConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BashPath          string `yaml:"bash_path"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	MaxTimeoutSec     int    `yaml:"max_timeout_sec"`

	// Sessions offers persistent bash sessions: shell_start, shell_write,
	// shell_read, shell_stop and shell_run with a session_id.
	Sessions bool `yaml:"sessions"`
}

// Load reads configuration from a YAML file over the defaults and
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	loop := agentloop.DefaultConfig()
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			Adapter:    "openai",
			Provider:   "openai",
			Name:       "gpt-4o-mini",
			BaseURL:    "https://api.openai.com/v1",
			TimeoutSec: int(loop.ModelTimeout / time.Second),
			MaxRetries: 2,
		},
		Agent: AgentConfig{
			MaxIterations:     loop.MaxIterations,
			ToolHistoryRounds: loop.ToolHistoryRounds,
			EventBuffer:       loop.EventBuffer,

			LoopDetectionWindow: loop.LoopDetectionWindow,
		},
		Storage: StorageConfig{Backend: "file"},
		Tools: ToolsConfig{
			Shell: ShellConfig{
				Enabled:           true,
				Sessions:          true,
				DefaultTimeoutSec: 100,
				MaxTimeoutSec:     600,
			},
		},
		LogLevel: "info",
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Model.Adapter {
	case "openai":
		if c.Model.BaseURL == "" {
			errs = append(errs, errors.New("model.base_url is required for the openai adapter"))
		}
	case "gollm":
		if c.Model.Provider == "" {
			errs = append(errs, errors.New("model.provider is required for the gollm adapter"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.adapter %q must be openai or gollm", c.Model.Adapter))
	}
	if c.Model.TimeoutSec < 0 || c.Model.MaxRetries < 0 {
		errs = append(errs, errors.New("model.timeout_sec and model.max_retries must not be negative"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.LoopDetectionWindow < 0 {
		errs = append(errs, fmt.Errorf("agent.loop_detection_window must not be negative, got %d", c.Agent.LoopDetectionWindow))
	}
	if c.Agent.ToolHistoryRounds < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_history_rounds must not be negative, got %d", c.Agent.ToolHistoryRounds))
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be file or sqlite", c.Storage.Backend))
	}
	if s := c.Tools.Shell; s.DefaultTimeoutSec < 0 || s.MaxTimeoutSec < 0 {
		errs = append(errs, errors.New("tools.shell timeouts must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StoragePath returns the configured storage path or the backend default.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == "sqlite" {
		return "chatloop.db"
	}
	return "sessions"
}

// LoopConfig returns the tool loop settings.
func (c *Config) LoopConfig() agentloop.Config {
	cfg := agentloop.Config{
		Model:             c.Model.Name,
		Provider:          c.Model.Provider,
		MaxIterations:     c.Agent.MaxIterations,
		ToolHistoryRounds: c.Agent.ToolHistoryRounds,
		EventBuffer:       c.Agent.EventBuffer,
		ModelTimeout:      time.Duration(c.Model.TimeoutSec) * time.Second,
		Temperature:       c.Model.Temperature,
		MaxTokens:         c.Model.MaxTokens,
		ToolOutputLimits:  c.Agent.ToolOutputLimits,

		LoopDetectionWindow: c.Agent.LoopDetectionWindow,
	}
	if c.Model.EnableThinking {
		cfg.ProviderOptions = map[string]any{"enable_thinking": true}
	}
	return cfg
}

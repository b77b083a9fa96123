package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/config"
	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/tools"
	"github.com/martinemde/chatloop/unifiedllm"
)

// loadConfig loads the config file named by --config or found on the
// search path. Without either, the defaults are used.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		logger.Debug("no config file found, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", path)
	return cfg, nil
}

// setup loads the config and returns it with a logger at the configured
// level.
func setup(w io.Writer) (*config.Config, *slog.Logger, error) {
	boot, _ := config.NewLogger(w, "info")
	cfg, err := loadConfig(boot)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(w, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (record.Store, error) {
	path := cfg.StoragePath()
	switch cfg.Storage.Backend {
	case "sqlite":
		st, err := record.NewSQLiteStore(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
		}
		return st, nil
	default:
		st, err := record.NewFileStore(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store %s: %w", path, err)
		}
		return st, nil
	}
}

func newModelClient(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	m := cfg.Model

	var adapter unifiedllm.ProviderAdapter
	switch m.Adapter {
	case "gollm":
		opts := []unifiedllm.GollmAdapterOption{unifiedllm.WithModel(m.Name)}
		if m.MaxTokens != nil {
			opts = append(opts, unifiedllm.WithMaxTokens(*m.MaxTokens))
		}
		if m.Temperature != nil {
			opts = append(opts, unifiedllm.WithTemperature(*m.Temperature))
		}
		a, err := unifiedllm.NewGollmAdapter(m.Provider, m.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		adapter = a
	case "openai":
		adapter = unifiedllm.NewOpenAIAdapter(m.BaseURL, m.APIKey,
			unifiedllm.WithProviderName(m.Provider),
			unifiedllm.WithLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown model adapter %q", m.Adapter)
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = m.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model call", "provider", m.Provider, "attempt", attempt, "delay", delay, "error", err)
	}

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(m.Provider, adapter),
		unifiedllm.WithDefaultProvider(m.Provider),
		unifiedllm.WithStreamMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(policy),
		),
	), nil
}

// toolkit is the tool registry with the prompt builder that describes it.
// sessions is nil unless persistent shells are enabled.
type toolkit struct {
	registry *agentloop.ToolRegistry
	prompt   *agentloop.PromptBuilder
	sessions *tools.ShellSessions
}

// Close terminates any persistent shells.
func (t *toolkit) Close() error {
	if t.sessions == nil {
		return nil
	}
	return t.sessions.Close()
}

// newToolkit registers the configured tools.
func newToolkit(cfg *config.Config, logger *slog.Logger) (*toolkit, error) {
	env := tools.NewLocalEnvironment(cfg.Tools.Workspace, cfg.Tools.Shell.BashPath)
	if err := env.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize workspace: %w", err)
	}

	kit := &toolkit{registry: agentloop.NewToolRegistry()}
	tools.RegisterFileTools(kit.registry, env)

	if sh := cfg.Tools.Shell; sh.Enabled {
		opts := tools.DefaultShellOptions()
		if sh.DefaultTimeoutSec > 0 {
			opts.DefaultTimeout = time.Duration(sh.DefaultTimeoutSec) * time.Second
		}
		if sh.MaxTimeoutSec > 0 {
			opts.MaxTimeout = time.Duration(sh.MaxTimeoutSec) * time.Second
		}
		if sh.Sessions {
			kit.sessions = tools.NewShellSessions(env, logger)
			opts.Sessions = kit.sessions
		}
		tools.RegisterShellTools(kit.registry, env, opts)
	}

	kit.prompt = &agentloop.PromptBuilder{
		Persona:            cfg.Agent.Persona,
		WorkingDir:         env.WorkingDirectory(),
		CustomInstructions: cfg.Agent.CustomInstructions,
	}
	if cfg.Tools.SkillsDir != "" {
		lib := tools.NewSkillLibrary(cfg.Tools.SkillsDir, logger)
		tools.RegisterSkillTools(kit.registry, lib)
		kit.prompt.Skills = lib
	}

	logger.Info("tools registered", "count", kit.registry.Count(), "names", kit.registry.Names())
	return kit, nil
}

// closeAll closes each closer, joining the errors.
func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

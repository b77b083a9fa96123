package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/martinemde/chatloop/agentloop"
)

const (
	defaultSessionID       = "default"
	defaultSessionMaxChars = 20000
	// defaultBackgroundWait is how long a background shell_run waits for
	// early output before returning.
	defaultBackgroundWait = 10 * time.Second
	defaultReadWait       = time.Second
)

// ShellOptions bounds shell_run execution time. When Sessions is set the
// persistent session tools are registered too.
type ShellOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Sessions       *ShellSessions
}

// DefaultShellOptions returns a 100s default and 10m maximum timeout.
func DefaultShellOptions() ShellOptions {
	return ShellOptions{
		DefaultTimeout: 100 * time.Second,
		MaxTimeout:     10 * time.Minute,
	}
}

func sessionIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Persistent shell session name. Defaults to \"default\".",
	}
}

func workingDirProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Directory to run in, or to start a new session in.",
	}
}

// RegisterShellTools registers shell_run, and with opts.Sessions set also
// shell_start, shell_write, shell_read and shell_stop.
func RegisterShellTools(reg *agentloop.ToolRegistry, env Environment, opts ShellOptions) {
	d := DefaultShellOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = d.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = d.MaxTimeout
	}

	props := map[string]interface{}{
		"command": map[string]interface{}{
			"type":        "string",
			"description": "Command to run.",
		},
		"timeout_sec": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum run time in seconds.",
		},
		"working_dir": workingDirProperty(),
	}
	description := "Run a command with bash and return its stdout, stderr and exit code."
	if opts.Sessions != nil {
		description = "Run a command with bash. Without session_id the command runs in a fresh shell and " +
			"its stdout, stderr and exit code are returned. With session_id it runs in that persistent " +
			"session. If background is true the call returns after wait_ms with status \"running\" and " +
			"the session stays busy until the command finishes; start another session for other commands."
		props["session_id"] = sessionIDProperty()
		props["background"] = map[string]interface{}{
			"type":        "boolean",
			"description": "Return early and leave the command running in the session.",
		}
		props["wait_ms"] = map[string]interface{}{
			"type":        "integer",
			"description": "Maximum time in milliseconds to wait for the command in a session.",
		}
		props["max_chars"] = map[string]interface{}{
			"type":        "integer",
			"description": "Maximum characters of session output to return.",
		}
	}

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "shell_run",
			Description: description,
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": props,
				"required":   []string{"command"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return nil, err
			}
			dir, _ := agentloop.GetStringArg(args, "working_dir")
			id, _ := agentloop.GetStringArg(args, "session_id")
			background, _ := agentloop.GetBoolArg(args, "background")
			if opts.Sessions != nil && (id != "" || background) {
				return runInSession(ctx, opts, args, id, dir, command, background)
			}

			timeout := opts.DefaultTimeout
			if sec, ok := agentloop.GetIntArg(args, "timeout_sec"); ok && sec > 0 {
				timeout = min(time.Duration(sec)*time.Second, opts.MaxTimeout)
			}
			return env.Exec(ctx, command, timeout, dir)
		},
	})

	if opts.Sessions != nil {
		registerSessionTools(reg, opts.Sessions)
	}
}

func runInSession(ctx context.Context, opts ShellOptions, args map[string]any, id, dir, command string, background bool) (any, error) {
	if id == "" {
		id = defaultSessionID
	}
	sess, err := opts.Sessions.Ensure(id, dir)
	if err != nil {
		return nil, err
	}
	if sess.Busy() {
		return nil, fmt.Errorf("session %q is already running a command; wait for it with shell_read, stop it with shell_stop or start a new session", id)
	}

	wait := opts.DefaultTimeout
	if background {
		wait = defaultBackgroundWait
	}
	if ms, ok := agentloop.GetIntArg(args, "wait_ms"); ok && ms > 0 {
		wait = time.Duration(ms) * time.Millisecond
	}
	wait = min(wait, opts.MaxTimeout)

	maxChars := defaultSessionMaxChars
	if n, ok := agentloop.GetIntArg(args, "max_chars"); ok && n > 0 {
		maxChars = n
	}
	return sess.Run(ctx, command, wait, maxChars)
}

func registerSessionTools(reg *agentloop.ToolRegistry, sessions *ShellSessions) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "shell_start",
			Description: "Start a persistent bash session, or reuse it if it is already running.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id":  sessionIDProperty(),
					"working_dir": workingDirProperty(),
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := sessionArg(args)
			dir, _ := agentloop.GetStringArg(args, "working_dir")
			if _, err := sessions.Ensure(id, dir); err != nil {
				return nil, err
			}
			return SessionOutput{SessionID: id, Status: "started"}, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "shell_write",
			Description: "Write a line of input to the stdin of a persistent bash session.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": sessionIDProperty(),
					"input": map[string]interface{}{
						"type":        "string",
						"description": "Input to write. A trailing newline is added if missing.",
					},
					"working_dir": workingDirProperty(),
				},
				"required": []string{"input"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			input, err := stringArg(args, "input")
			if err != nil {
				return nil, err
			}
			id := sessionArg(args)
			dir, _ := agentloop.GetStringArg(args, "working_dir")
			sess, err := sessions.Ensure(id, dir)
			if err != nil {
				return nil, err
			}
			if err := sess.Write(input); err != nil {
				return nil, err
			}
			return SessionOutput{SessionID: id}, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "shell_read",
			Description: "Read buffered output from a persistent bash session.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": sessionIDProperty(),
					"wait_ms": map[string]interface{}{
						"type":        "integer",
						"description": "Time in milliseconds to wait for output when none is buffered. Defaults to 1000.",
					},
					"max_chars": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum characters of output to return.",
					},
					"working_dir": workingDirProperty(),
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := sessionArg(args)
			dir, _ := agentloop.GetStringArg(args, "working_dir")
			sess, err := sessions.Ensure(id, dir)
			if err != nil {
				return nil, err
			}
			wait := defaultReadWait
			if ms, ok := agentloop.GetIntArg(args, "wait_ms"); ok && ms > 0 {
				wait = time.Duration(ms) * time.Millisecond
			}
			maxChars := defaultSessionMaxChars
			if n, ok := agentloop.GetIntArg(args, "max_chars"); ok && n > 0 {
				maxChars = n
			}
			out := sess.Read(ctx, wait, maxChars)
			if sess.Busy() {
				out.Status = "running"
			}
			return out, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "shell_stop",
			Description: "Stop a persistent bash session and any command running in it.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": sessionIDProperty(),
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := sessionArg(args)
			sessions.Stop(id)
			return SessionOutput{SessionID: id, Status: "stopped"}, nil
		},
	})
}

func sessionArg(args map[string]any) string {
	if id, ok := agentloop.GetStringArg(args, "session_id"); ok && id != "" {
		return id
	}
	return defaultSessionID
}

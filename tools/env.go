package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a shell command.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// DirEntry is one item of a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "directory" or "file"
	Path string `json:"path"`
}

// Environment abstracts where tool operations run. Relative paths resolve
// against WorkingDirectory.
type Environment interface {
	ReadFile(path string, offset, limit int) (string, error)
	WriteFile(path, content string) error
	ListDirectory(path string) ([]DirEntry, error)
	Exec(ctx context.Context, command string, timeout time.Duration, workingDir string) (*ExecResult, error)
	WorkingDirectory() string
}

// sensitiveEnvSuffixes mark environment variables withheld from commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// commandEnv returns the parent environment without secrets, with colors
// and interactive prompts disabled.
func commandEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvVar(name) {
			continue
		}
		switch name {
		case "TERM", "PS1", "NO_COLOR", "PWD", "OLDPWD":
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM=dumb", "PS1=$ ", "NO_COLOR=1", "PYTHONUNBUFFERED=1")
}

// LocalEnvironment runs tools on the local machine.
type LocalEnvironment struct {
	workspace string
	bashPath  string
}

// NewLocalEnvironment creates a LocalEnvironment rooted at workspace. An
// empty workspace uses the current directory and an empty bashPath uses
// "bash" from PATH.
func NewLocalEnvironment(workspace, bashPath string) *LocalEnvironment {
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	if bashPath == "" {
		bashPath = "bash"
	}
	return &LocalEnvironment{workspace: workspace, bashPath: bashPath}
}

// Initialize creates the workspace directory.
func (e *LocalEnvironment) Initialize() error {
	return os.MkdirAll(e.workspace, 0755)
}

func (e *LocalEnvironment) WorkingDirectory() string {
	return e.workspace
}

func (e *LocalEnvironment) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workspace, path)
}

// ReadFile returns the file content. offset is a 1-based start line and
// limit a maximum line count; zero values read the whole file.
func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", err
	}
	content := string(data)
	if offset <= 1 && limit <= 0 {
		return content, nil
	}

	lines := strings.SplitAfter(content, "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], ""), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0644)
}

func (e *LocalEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	resolved := e.resolvePath(path)
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		typ := "file"
		if entry.IsDir() {
			typ = "directory"
		}
		out = append(out, DirEntry{
			Name: entry.Name(),
			Type: typ,
			Path: filepath.Join(resolved, entry.Name()),
		})
	}
	return out, nil
}

// Exec runs command with bash in its own process group. On timeout or
// cancellation the whole group is killed and the partial output returned
// with TimedOut set.
func (e *LocalEnvironment) Exec(ctx context.Context, command string, timeout time.Duration, workingDir string) (*ExecResult, error) {
	dir := e.workspace
	if workingDir != "" {
		dir = e.resolvePath(workingDir)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.bashPath, "--norc", "--noprofile", "-c", command)
	cmd.Dir = dir
	cmd.Env = commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.TimedOut = true
		result.ExitCode = -1
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("exec %s: %w", e.bashPath, err)
	}
	return result, nil
}

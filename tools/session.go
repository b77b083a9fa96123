package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// maxSessionLog bounds the transcript kept for status reporting.
const maxSessionLog = 1000

// ErrSessionExited is returned when writing to a shell that has exited.
var ErrSessionExited = errors.New("shell session is not running")

// SessionLogEntry is one line written to or read from a shell session.
type SessionLogEntry struct {
	Stream string `json:"stream"` // stdin, stdout or stderr
	Data   string `json:"data"`
}

// SessionStatus describes a shell session for GET /api/tools/status.
type SessionStatus struct {
	SessionID  string            `json:"session_id"`
	WorkingDir string            `json:"working_dir"`
	Alive      bool              `json:"alive"`
	Running    bool              `json:"running"`
	PID        int               `json:"pid"`
	Log        []SessionLogEntry `json:"log"`
}

// SessionOutput is the output collected from a shell session.
type SessionOutput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

type outputLine struct {
	stream string
	data   string
}

// ShellSession is a long-lived bash process. Output from both streams is
// buffered by line until read.
type ShellSession struct {
	id  string
	dir string
	cmd *exec.Cmd

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending []outputLine
	log     []SessionLogEntry
	// marker is the completion sentinel of the command in progress, or
	// empty when the session is idle. It is echoed on both streams and
	// seen records which streams have delivered it.
	marker string
	seen   map[string]bool
	notify chan struct{}
	exited chan struct{}
}

func startShellSession(id, dir, bashPath string) (*ShellSession, error) {
	cmd := exec.Command(bashPath, "--norc", "--noprofile")
	cmd.Dir = dir
	cmd.Env = commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bashPath, err)
	}

	s := &ShellSession{
		id:     id,
		dir:    dir,
		cmd:    cmd,
		stdin:  stdin,
		notify: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go s.capture("stdout", stdout, &readers)
	go s.capture("stderr", stderr, &readers)
	go func() {
		readers.Wait()
		cmd.Wait()
		close(s.exited)
		s.signal()
	}()
	return s, nil
}

func (s *ShellSession) capture(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.mu.Lock()
			s.pending = append(s.pending, outputLine{stream: stream, data: line})
			s.appendLog(stream, line)
			s.mu.Unlock()
			s.signal()
		}
		if err != nil {
			return
		}
	}
}

func (s *ShellSession) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// appendLog requires s.mu.
func (s *ShellSession) appendLog(stream, data string) {
	s.log = append(s.log, SessionLogEntry{Stream: stream, Data: data})
	if over := len(s.log) - maxSessionLog; over > 0 {
		s.log = append(s.log[:0], s.log[over:]...)
	}
}

// Alive reports whether the shell process is still running.
func (s *ShellSession) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Write sends input to the shell, adding a trailing newline if missing.
func (s *ShellSession) Write(input string) error {
	if !s.Alive() {
		return ErrSessionExited
	}
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	s.mu.Lock()
	s.appendLog("stdin", input)
	s.mu.Unlock()

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := io.WriteString(s.stdin, input); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Busy reports whether a command started by Run has not yet printed its
// completion marker.
func (s *ShellSession) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker == "" {
		return false
	}
	kept := s.pending[:0]
	for _, line := range s.pending {
		if s.isMarker(line) {
			s.seen[line.stream] = true
			continue
		}
		kept = append(kept, line)
	}
	s.pending = kept
	if s.completed() {
		return false
	}
	return s.Alive()
}

// isMarker requires s.mu.
func (s *ShellSession) isMarker(line outputLine) bool {
	return s.marker != "" && strings.TrimSpace(line.data) == s.marker
}

// completed clears the marker once both streams have delivered it. It
// requires s.mu.
func (s *ShellSession) completed() bool {
	if s.marker == "" {
		return true
	}
	if !s.seen["stdout"] || !s.seen["stderr"] {
		return false
	}
	s.marker = ""
	return true
}

// drain removes buffered lines up to maxChars, or all of them when maxChars
// is not positive. At least one line is returned when any is buffered.
// Marker lines are dropped, and draining stops once the command in progress
// has completed, which is reported as done.
func (s *ShellSession) drain(maxChars int) (stdout, stderr string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out, errOut strings.Builder
	n, taken, written := 0, 0, 0
	for _, line := range s.pending {
		if s.isMarker(line) {
			taken++
			s.seen[line.stream] = true
			if s.completed() {
				done = true
				break
			}
			continue
		}
		if written > 0 && maxChars > 0 && n+len(line.data) > maxChars {
			break
		}
		if line.stream == "stdout" {
			out.WriteString(line.data)
		} else {
			errOut.WriteString(line.data)
		}
		n += len(line.data)
		taken++
		written++
	}
	s.pending = s.pending[taken:]
	return out.String(), errOut.String(), done
}

// wait blocks until output arrives, the shell exits, d elapses or ctx is
// done.
func (s *ShellSession) wait(ctx context.Context, d time.Duration) {
	s.mu.Lock()
	ready := len(s.pending) > 0
	s.mu.Unlock()
	if ready || d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.notify:
	case <-s.exited:
	case <-t.C:
	case <-ctx.Done():
	}
}

// Read waits up to wait for output and returns what is buffered.
func (s *ShellSession) Read(ctx context.Context, wait time.Duration, maxChars int) SessionOutput {
	s.wait(ctx, wait)
	stdout, stderr, _ := s.drain(maxChars)
	return SessionOutput{SessionID: s.id, Stdout: stdout, Stderr: stderr}
}

// Run writes command followed by a completion marker and collects output
// until the marker appears or wait elapses. Status is "completed" or
// "running"; a running command keeps the session busy until its marker is
// read.
func (s *ShellSession) Run(ctx context.Context, command string, wait time.Duration, maxChars int) (SessionOutput, error) {
	marker := "__CMD_DONE_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "__"
	s.mu.Lock()
	s.marker = marker
	s.seen = map[string]bool{}
	s.mu.Unlock()

	if err := s.Write(command + "\necho " + marker + "; echo " + marker + " >&2"); err != nil {
		s.mu.Lock()
		s.marker = ""
		s.mu.Unlock()
		return SessionOutput{}, err
	}

	res := SessionOutput{SessionID: s.id, Status: "running"}
	var stdout, stderr strings.Builder
	deadline := time.Now().Add(wait)
	for {
		budget := 0
		if maxChars > 0 {
			if budget = maxChars - stdout.Len() - stderr.Len(); budget <= 0 {
				// The rest stays buffered for shell_read.
				break
			}
		}
		out, errOut, done := s.drain(budget)
		stdout.WriteString(out)
		stderr.WriteString(errOut)
		if done {
			res.Status = "completed"
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil || !s.Alive() {
			break
		}
		s.wait(ctx, min(remaining, 100*time.Millisecond))
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	return res, nil
}

// Status reports the session state and transcript.
func (s *ShellSession) Status() SessionStatus {
	running := s.Busy()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		SessionID:  s.id,
		WorkingDir: s.dir,
		Alive:      s.Alive(),
		Running:    running,
		Log:        append([]SessionLogEntry(nil), s.log...),
	}
	if s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

// terminate kills the shell's process group and waits briefly for it to
// exit.
func (s *ShellSession) terminate() {
	if !s.Alive() {
		return
	}
	s.stdinMu.Lock()
	s.stdin.Close()
	s.stdinMu.Unlock()
	syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
	}
}

// ShellSessions holds named persistent shells started in an environment's
// workspace.
type ShellSessions struct {
	env    *LocalEnvironment
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*ShellSession
}

// NewShellSessions creates an empty session set for env.
func NewShellSessions(env *LocalEnvironment, logger *slog.Logger) *ShellSessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellSessions{env: env, logger: logger, sessions: make(map[string]*ShellSession)}
}

// Ensure returns the live session named id, starting a new shell in
// workingDir when none exists or the previous one exited.
func (m *ShellSessions) Ensure(id, workingDir string) (*ShellSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Alive() {
		return s, nil
	}
	dir := m.env.WorkingDirectory()
	if workingDir != "" {
		dir = m.env.resolvePath(workingDir)
	}
	s, err := startShellSession(id, dir, m.env.bashPath)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	m.logger.Info("shell session started", "shell_session", id, "pid", s.cmd.Process.Pid, "dir", dir)
	return s, nil
}

// Stop terminates the named session. It reports whether a live session was
// stopped.
func (m *ShellSessions) Stop(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || !s.Alive() {
		return false
	}
	s.terminate()
	m.logger.Info("shell session stopped", "shell_session", id)
	return true
}

// Statuses returns every known session ordered by id.
func (m *ShellSessions) Statuses() []SessionStatus {
	m.mu.Lock()
	sessions := make([]*ShellSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close terminates every session.
func (m *ShellSessions) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*ShellSession)
	m.mu.Unlock()
	for _, s := range sessions {
		s.terminate()
	}
	return nil
}

// ToolStatus is the runtime state of a tool group.
type ToolStatus struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Sessions    []SessionStatus `json:"sessions"`
}

// ToolStatus reports the shell sessions for GET /api/tools/status.
func (m *ShellSessions) ToolStatus() ToolStatus {
	return ToolStatus{
		Name:        "shell",
		Description: "Persistent bash sessions.",
		Status:      "ok",
		Sessions:    m.Statuses(),
	}
}

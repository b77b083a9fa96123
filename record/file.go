package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists each session as a single JSON document named
// <id>.json inside a directory. All sessions are loaded into memory at
// startup; every mutation rewrites the affected file atomically via a
// temporary file and rename.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    sessionLocks
}

// NewFileStore opens (creating if needed) a file-backed store rooted at dir.
// Files that cannot be parsed are logged and skipped.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &FileStore{
		dir:      dir,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read session file", "path", path, "error", err)
			continue
		}
		sess, migrated, err := decodeSessionFile(data)
		if err != nil {
			s.logger.Warn("failed to parse session file", "path", path, "error", err)
			continue
		}
		if migrated {
			s.logger.Info("migrated legacy session", "session_id", sess.ID, "records", len(sess.Records))
		}
		s.sessions[sess.ID] = sess
	}
	s.logger.Debug("loaded sessions", "dir", s.dir, "count", len(s.sessions))
	return nil
}

// Create starts a new, empty session and persists it.
func (s *FileStore) Create(title string) (*Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	t := now()
	sess := &Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: t,
		UpdatedAt: t,
		Records:   []Record{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	s.sessions[sess.ID] = sess
	return sess.snapshot(), nil
}

// Get returns a snapshot of the session.
func (s *FileStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return sess.snapshot(), nil
}

// Load returns a snapshot of the session's records.
func (s *FileStore) Load(id string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneRecords(sess.Records), nil
}

// Append commits rec to the session. If the file cannot be written the
// in-memory log is left unchanged.
func (s *FileStore) Append(id string, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Record{}, notFound(id)
	}
	if rec.Kind == KindToolCall && hasToolCall(sess.Records, rec.ToolCall.ToolCallID) {
		return Record{}, fmt.Errorf("session %s: %s: %w", id, rec.ToolCall.ToolCallID, ErrDuplicateToolCall)
	}

	t := now()
	committed := rec.stamp(t)

	next := *sess
	next.Records = append(append(make([]Record, 0, len(sess.Records)+1), sess.Records...), committed)
	next.UpdatedAt = t
	if err := s.write(&next); err != nil {
		return Record{}, err
	}
	s.sessions[id] = &next
	return committed.Clone(), nil
}

// List returns summaries sorted by updated_at, newest first.
func (s *FileStore) List() ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.summary())
	}
	s.mu.RUnlock()
	sortSummaries(out)
	return out, nil
}

// Rename updates the session title.
func (s *FileStore) Rename(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	next := *sess
	next.Title = title
	next.UpdatedAt = now()
	if err := s.write(&next); err != nil {
		return err
	}
	s.sessions[id] = &next
	return nil
}

// Delete removes the session file. A session with an active run cannot be
// deleted.
func (s *FileStore) Delete(id string) error {
	if s.locks.held(id) {
		return fmt.Errorf("session %s: %w", id, ErrSessionBusy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return notFound(id)
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	delete(s.sessions, id)
	return nil
}

// Acquire takes the session's run lock.
func (s *FileStore) Acquire(id string) (func(), error) {
	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return s.locks.tryAcquire(id)
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists sess atomically. Caller holds s.mu.
func (s *FileStore) write(sess *Session) error {
	if !validSessionID(sess.ID) {
		return fmt.Errorf("invalid session id %q", sess.ID)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		cleanup()
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

func validSessionID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

func hasToolCall(records []Record, id string) bool {
	for _, r := range records {
		if r.Kind == KindToolCall && r.ToolCall != nil && r.ToolCall.ToolCallID == id {
			return true
		}
	}
	return false
}

// legacySession is the older on-disk layout that kept a flat message list
// and a separate system prompt instead of typed records.
type legacySession struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	SystemPrompt string          `json:"system_prompt"`
	Messages     []legacyMessage `json:"messages"`
	Records      json.RawMessage `json:"records"`
}

type legacyMessage struct {
	Role          Role         `json:"role"`
	Content       string       `json:"content"`
	BinaryContent []Attachment `json:"binary_content"`
	Timestamp     string       `json:"timestamp"`
}

// decodeSessionFile parses a session document, migrating the legacy layout
// when the file has messages but no records.
func decodeSessionFile(data []byte) (*Session, bool, error) {
	var doc legacySession
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	if doc.ID == "" {
		return nil, false, fmt.Errorf("session file has no id")
	}

	if doc.Records == nil && doc.Messages != nil {
		return migrateLegacy(doc), true, nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false, err
	}
	if sess.Records == nil {
		sess.Records = []Record{}
	}
	return &sess, false, nil
}

func migrateLegacy(old legacySession) *Session {
	created := parseLegacyTime(old.CreatedAt)
	sess := &Session{
		ID:        old.ID,
		Title:     old.Title,
		CreatedAt: created,
		UpdatedAt: parseLegacyTime(old.UpdatedAt),
		Records:   make([]Record, 0, len(old.Messages)+1),
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = created
	}
	if old.SystemPrompt != "" {
		rec := NewMessage(RoleSystem, old.SystemPrompt)
		rec.Message.Timestamp = created
		sess.Records = append(sess.Records, rec)
	}
	for _, m := range old.Messages {
		if !m.Role.Valid() {
			continue
		}
		rec := NewMessage(m.Role, m.Content)
		rec.Message.BinaryContent = m.BinaryContent
		rec.Message.Timestamp = parseLegacyTime(m.Timestamp)
		sess.Records = append(sess.Records, rec)
	}
	return sess
}

func parseLegacyTime(s string) time.Time {
	t, _ := parseTime(s)
	return t
}

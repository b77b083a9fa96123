package record

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions and their records in a SQLite database. Each
// record row stores the full JSON encoding of the record alongside its
// insertion sequence number.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	locks  sessionLocks
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps append transactions serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("opened session database", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		type         TEXT NOT NULL,
		tool_call_id TEXT,
		body         TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_tool_call
		ON records(session_id, tool_call_id) WHERE tool_call_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new, empty session.
func (s *SQLiteStore) Create(title string) (*Session, error) {
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
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.Title, formatTime(t), formatTime(t),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns the session with its records. Both reads run in one
// transaction so the snapshot is consistent.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := getSession(tx, id)
	if err != nil {
		return nil, err
	}
	records, err := loadRecords(tx, id)
	if err != nil {
		return nil, err
	}
	sess.Records = records
	return sess, nil
}

// Load returns the session's records in insertion order.
func (s *SQLiteStore) Load(id string) ([]Record, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Records, nil
}

// Append inserts rec and bumps updated_at in a single transaction.
func (s *SQLiteStore) Append(id string, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := getSession(tx, id); err != nil {
		return Record{}, err
	}

	var seq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE session_id = ?", id,
	).Scan(&seq); err != nil {
		return Record{}, fmt.Errorf("next seq: %w", err)
	}

	t := now()
	committed := rec.stamp(t)
	body, err := json.Marshal(committed)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}

	var toolCallID any
	if committed.Kind == KindToolCall {
		toolCallID = committed.ToolCall.ToolCallID
	}
	_, err = tx.Exec(
		"INSERT INTO records (session_id, seq, type, tool_call_id, body, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		id, seq, string(committed.Kind), toolCallID, string(body), formatTime(committed.Timestamp()),
	)
	if err != nil {
		if committed.Kind == KindToolCall && isUniqueViolation(err) {
			return Record{}, fmt.Errorf("session %s: %s: %w", id, committed.ToolCall.ToolCallID, ErrDuplicateToolCall)
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	if _, err := tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", formatTime(t), id); err != nil {
		return Record{}, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

// List returns session summaries, newest first.
func (s *SQLiteStore) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.title, s.created_at, s.updated_at, COUNT(r.seq)
		FROM sessions s LEFT JOIN records r ON r.session_id = s.id
		GROUP BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum              Summary
			created, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated, &sum.RecordCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// Rename updates the session title.
func (s *SQLiteStore) Rename(id, title string) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?",
		title, formatTime(now()), id,
	)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// Delete removes the session and, by cascade, its records.
func (s *SQLiteStore) Delete(id string) error {
	if s.locks.held(id) {
		return fmt.Errorf("session %s: %w", id, ErrSessionBusy)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	res, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return tx.Commit()
}

// Acquire takes the session's run lock.
func (s *SQLiteStore) Acquire(id string) (func(), error) {
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM sessions WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return s.locks.tryAcquire(id)
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getSession(q queryer, id string) (*Session, error) {
	var (
		sess             Session
		created, updated string
	)
	err := q.QueryRow(
		"SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

func loadRecords(q queryer, id string) ([]Record, error) {
	rows, err := q.Query("SELECT body FROM records WHERE session_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

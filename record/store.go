package record

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrSessionBusy is returned by Acquire when another run already holds
	// the session.
	ErrSessionBusy = errors.New("session busy")

	// ErrDuplicateToolCall is returned by Append when a tool_call_id is
	// already present in the session.
	ErrDuplicateToolCall = errors.New("duplicate tool_call_id")
)

// DefaultTitle is used by Create when no title is given.
const DefaultTitle = "New Chat"

// Store is the durable record log for all sessions.
//
// Append is atomic with respect to concurrent readers of the same session:
// Load and Get return a point-in-time snapshot and never observe a partially
// written record.
type Store interface {
	// Create starts a new, empty session.
	Create(title string) (*Session, error)

	// Get returns a snapshot of the session including its records.
	Get(id string) (*Session, error)

	// Load returns a snapshot of the session's records in insertion order.
	Load(id string) ([]Record, error)

	// Append adds rec to the end of the session's log, assigning a timestamp
	// if absent and bumping the session's updated_at. The committed record
	// is returned.
	Append(id string, rec Record) (Record, error)

	// List returns session summaries, most recently updated first.
	List() ([]Summary, error)

	// Rename changes a session title and bumps updated_at.
	Rename(id, title string) error

	// Delete removes a session and its records.
	Delete(id string) error

	// Acquire takes the session's exclusive run lock. It fails with
	// ErrSessionBusy if the lock is already held and ErrNotFound if the
	// session does not exist. The returned release func is idempotent.
	Acquire(id string) (release func(), err error)

	// Close releases resources held by the store.
	Close() error
}

// sessionLocks tracks which sessions have an active run. A second
// acquisition fails immediately rather than waiting.
type sessionLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func (l *sessionLocks) tryAcquire(id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		l.active = make(map[string]struct{})
	}
	if _, busy := l.active[id]; busy {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionBusy)
	}
	l.active[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, id)
			l.mu.Unlock()
		})
	}, nil
}

func (l *sessionLocks) held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[id]
	return ok
}

// now is replaced in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }

func sortSummaries(out []Summary) {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, ErrNotFound)
}

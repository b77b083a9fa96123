package record

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storeFactories lets every behavioral test run against both backends.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir(), testLogger())
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			sess, err := s.Create("round trip")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			want := []Record{
				NewMessage(RoleUser, "list files"),
				NewAssistantMessage("", "I should look"),
				NewToolCall("call_1", "list_directory", map[string]any{"path": "."}, "a.txt\nb.txt", true),
				NewToolCall("call_2", "read_file", map[string]any{"path": "a.txt"}, "boom", false),
				NewMessage(RoleAssistant, "done"),
			}
			for _, rec := range want {
				committed, err := s.Append(sess.ID, rec)
				if err != nil {
					t.Fatalf("Append: %v", err)
				}
				if committed.Timestamp().IsZero() {
					t.Error("Append did not assign a timestamp")
				}
			}

			got, err := s.Load(sess.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("expected %d records, got %d", len(want), len(got))
			}
			for i := range want {
				if got[i].Kind != want[i].Kind {
					t.Errorf("record %d: expected kind %q, got %q", i, want[i].Kind, got[i].Kind)
				}
			}
			if got[2].ToolCall.ToolCallID != "call_1" || got[3].ToolCall.Success {
				t.Errorf("unexpected tool call records: %+v %+v", got[2].ToolCall, got[3].ToolCall)
			}
			if got[1].Message.ReasoningContent != "I should look" {
				t.Errorf("reasoning content lost: %+v", got[1].Message)
			}
		})
	}
}

func TestStoreAppendKeepsExplicitTimestamp(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			sess, _ := s.Create("")
			ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			rec := NewMessage(RoleUser, "hi")
			rec.Message.Timestamp = ts
			committed, err := s.Append(sess.ID, rec)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if !committed.Timestamp().Equal(ts) {
				t.Errorf("expected timestamp %v, got %v", ts, committed.Timestamp())
			}
		})
	}
}

func TestStoreAppendBumpsUpdatedAt(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			tick := base
			now = func() time.Time { return tick }
			defer func() { now = func() time.Time { return time.Now().UTC() } }()

			s := newStore(t)
			sess, err := s.Create("clock")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			tick = base.Add(time.Minute)
			if _, err := s.Append(sess.ID, NewMessage(RoleUser, "hi")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			got, err := s.Get(sess.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !got.UpdatedAt.Equal(tick) {
				t.Errorf("expected updated_at %v, got %v", tick, got.UpdatedAt)
			}
			if !got.CreatedAt.Equal(base) {
				t.Errorf("expected created_at %v, got %v", base, got.CreatedAt)
			}
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			if _, err := s.Load("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load: expected ErrNotFound, got %v", err)
			}
			if _, err := s.Append("missing", NewMessage(RoleUser, "x")); !errors.Is(err, ErrNotFound) {
				t.Errorf("Append: expected ErrNotFound, got %v", err)
			}
			if err := s.Rename("missing", "x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Rename: expected ErrNotFound, got %v", err)
			}
			if err := s.Delete("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Delete: expected ErrNotFound, got %v", err)
			}
			if _, err := s.Acquire("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Acquire: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreRejectsDuplicateToolCallID(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			sess, _ := s.Create("dup")
			if _, err := s.Append(sess.ID, NewToolCall("c1", "shell_run", nil, "ok", true)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			_, err := s.Append(sess.ID, NewToolCall("c1", "shell_run", nil, "ok", true))
			if !errors.Is(err, ErrDuplicateToolCall) {
				t.Fatalf("expected ErrDuplicateToolCall, got %v", err)
			}
			recs, _ := s.Load(sess.ID)
			if len(recs) != 1 {
				t.Errorf("expected 1 record after rejected append, got %d", len(recs))
			}
		})
	}
}

func TestStoreAcquireIsExclusive(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			sess, _ := s.Create("lock")

			release, err := s.Acquire(sess.ID)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if _, err := s.Acquire(sess.ID); !errors.Is(err, ErrSessionBusy) {
				t.Fatalf("second Acquire: expected ErrSessionBusy, got %v", err)
			}
			if err := s.Delete(sess.ID); !errors.Is(err, ErrSessionBusy) {
				t.Errorf("Delete while running: expected ErrSessionBusy, got %v", err)
			}

			release()
			release() // idempotent

			again, err := s.Acquire(sess.ID)
			if err != nil {
				t.Fatalf("Acquire after release: %v", err)
			}
			again()
		})
	}
}

func TestStoreListRenameDelete(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			tick := base
			now = func() time.Time { tick = tick.Add(time.Second); return tick }
			defer func() { now = func() time.Time { return time.Now().UTC() } }()

			s := newStore(t)
			a, _ := s.Create("a")
			b, _ := s.Create("b")
			if _, err := s.Append(a.ID, NewMessage(RoleUser, "bump")); err != nil {
				t.Fatalf("Append: %v", err)
			}

			list, err := s.List()
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
				t.Fatalf("expected [a, b] by updated_at desc, got %+v", list)
			}
			if list[0].RecordCount != 1 {
				t.Errorf("expected record count 1, got %d", list[0].RecordCount)
			}

			if err := s.Rename(b.ID, "renamed"); err != nil {
				t.Fatalf("Rename: %v", err)
			}
			got, _ := s.Get(b.ID)
			if got.Title != "renamed" {
				t.Errorf("expected title %q, got %q", "renamed", got.Title)
			}

			if err := s.Delete(a.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			list, _ = s.List()
			if len(list) != 1 || list[0].ID != b.ID {
				t.Errorf("expected only b after delete, got %+v", list)
			}
		})
	}
}

func TestStoreDefaultTitle(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			sess, err := newStore(t).Create("")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if sess.Title != DefaultTitle {
				t.Errorf("expected %q, got %q", DefaultTitle, sess.Title)
			}
		})
	}
}

func TestStoreConcurrentReadersSeeWholeRecords(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			sess, _ := s.Create("concurrent")

			const n = 40
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < n; i++ {
					id := fmt.Sprintf("c%d", i)
					if _, err := s.Append(sess.ID, NewToolCall(id, "shell_run", map[string]any{"i": i}, "ok", true)); err != nil {
						t.Errorf("Append: %v", err)
						return
					}
				}
			}()

			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < n; i++ {
						recs, err := s.Load(sess.ID)
						if err != nil {
							t.Errorf("Load: %v", err)
							return
						}
						for j, rec := range recs {
							if rec.ToolCall == nil || rec.ToolCall.ToolCallID != fmt.Sprintf("c%d", j) {
								t.Errorf("torn or reordered record at %d: %+v", j, rec)
								return
							}
						}
					}
				}()
			}
			wg.Wait()
		})
	}
}

func TestFileStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess, _ := s.Create("persisted")
	s.Append(sess.ID, NewMessage(RoleUser, "hi"))
	s.Append(sess.ID, NewToolCall("c1", "read_file", map[string]any{"path": "x"}, "data", true))

	reopened, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recs, err := reopened.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 || recs[1].ToolCall.ToolName != "read_file" {
		t.Errorf("unexpected records after reload: %+v", recs)
	}
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600)

	s, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	list, _ := s.List()
	if len(list) != 0 {
		t.Errorf("expected no sessions, got %+v", list)
	}
}

func TestFileStoreLoadsZonelessTimestamps(t *testing.T) {
	dir := t.TempDir()
	doc := `{
  "id": "s1",
  "title": "Naive times",
  "created_at": "2025-01-02T03:04:05.123456",
  "updated_at": "2025-01-02T03:10:00.5",
  "records": [
    {"type": "message", "role": "user", "content": "list files", "timestamp": "2025-01-02T03:04:06.000001"},
    {"type": "tool_call", "tool_call_id": "call_1", "tool_name": "list_directory",
     "arguments": {"path": "."}, "result": {"entries": []}, "success": true,
     "timestamp": "2025-01-02T03:04:07"},
    {"type": "message", "role": "assistant", "content": "empty", "reasoning_content": null,
     "timestamp": "2025-01-02T03:04:08.25"}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "s1.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	recs, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	want := time.Date(2025, 1, 2, 3, 4, 7, 0, time.UTC)
	if got := recs[1].Timestamp(); !got.Equal(want) {
		t.Errorf("tool call timestamp = %v, want %v", got, want)
	}
	sess, _ := s.Get("s1")
	if want := time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC); !sess.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", sess.CreatedAt, want)
	}

	if _, err := s.Append("s1", NewMessage(RoleUser, "more")); err != nil {
		t.Fatalf("Append after load: %v", err)
	}
}

func TestFileStoreMigratesLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
  "id": "legacy-1",
  "title": "Old chat",
  "created_at": "2024-05-01T10:00:00.123456",
  "updated_at": "2024-05-01 10:05:00",
  "system_prompt": "You are helpful.",
  "messages": [
    {"role": "user", "content": "hi", "timestamp": "2024-05-01T10:00:01"},
    {"role": "assistant", "content": "hello", "timestamp": "2024-05-01T10:00:02"}
  ]
}`
	os.WriteFile(filepath.Join(dir, "legacy-1.json"), []byte(legacy), 0o600)

	s, err := NewFileStore(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess, err := s.Get("legacy-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sess.Records) != 3 {
		t.Fatalf("expected 3 migrated records, got %d", len(sess.Records))
	}
	if sess.Records[0].Message.Role != RoleSystem || sess.Records[0].Message.Content != "You are helpful." {
		t.Errorf("expected system record first, got %+v", sess.Records[0].Message)
	}
	if sess.Records[2].Message.Content != "hello" {
		t.Errorf("unexpected last record: %+v", sess.Records[2].Message)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Errorf("legacy timestamps not parsed: %v %v", sess.CreatedAt, sess.UpdatedAt)
	}
}

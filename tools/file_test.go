package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martinemde/chatloop/agentloop"
)

func newFileRegistry(t *testing.T) (*agentloop.ToolRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := agentloop.NewToolRegistry()
	RegisterFileTools(reg, NewLocalEnvironment(dir, ""))
	return reg, dir
}

func TestReadFile(t *testing.T) {
	reg, dir := newFileRegistry(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"whole file", map[string]any{"file_path": "notes.txt"}, "one\ntwo\nthree\n"},
		{"absolute path", map[string]any{"file_path": filepath.Join(dir, "notes.txt")}, "one\ntwo\nthree\n"},
		{"offset and limit", map[string]any{"file_path": "notes.txt", "offset": float64(2), "limit": float64(1)}, "two\n"},
		{"offset past end", map[string]any{"file_path": "notes.txt", "offset": float64(40)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, result := reg.Execute(context.Background(), "read_file", tt.args)
			if !ok {
				t.Fatalf("read_file failed: %v", result)
			}
			if got := result.(map[string]any)["content"]; got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}

	ok, result := reg.Execute(context.Background(), "read_file", map[string]any{"file_path": "missing.txt"})
	if ok {
		t.Fatal("expected failure for a missing file")
	}
	if msg := result.(map[string]any)["error"].(string); !strings.Contains(msg, "no such file") {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestWriteFile(t *testing.T) {
	reg, dir := newFileRegistry(t)

	ok, result := reg.Execute(context.Background(), "write_file", map[string]any{
		"file_path": "sub/dir/out.txt",
		"content":   "hello",
	})
	if !ok {
		t.Fatalf("write_file failed: %v", result)
	}
	if msg := result.(map[string]any)["message"]; msg != "File written successfully: sub/dir/out.txt" {
		t.Errorf("unexpected message %v", msg)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "out.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("file content = %q, %v", data, err)
	}

	if ok, _ := reg.Execute(context.Background(), "write_file", map[string]any{"file_path": "x.txt"}); ok {
		t.Error("expected missing content to be rejected")
	}
}

func TestListDirectory(t *testing.T) {
	reg, dir := newFileRegistry(t)
	if err := os.Mkdir(filepath.Join(dir, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}

	ok, result := reg.Execute(context.Background(), "list_directory", map[string]any{"path": "."})
	if !ok {
		t.Fatalf("list_directory failed: %v", result)
	}
	items := result.(map[string]any)["items"].([]DirEntry)
	types := map[string]string{}
	for _, item := range items {
		types[item.Name] = item.Type
		if filepath.Dir(item.Path) != dir {
			t.Errorf("unexpected path %q", item.Path)
		}
	}
	if types["pkg"] != "directory" || types["main.go"] != "file" || len(types) != 2 {
		t.Errorf("unexpected listing %v", types)
	}

	if ok, _ := reg.Execute(context.Background(), "list_directory", map[string]any{"path": "nope"}); ok {
		t.Error("expected failure for a missing directory")
	}
}

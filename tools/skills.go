package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/chatloop/agentloop"
)

// skillFile is the entry document of a skill directory.
const skillFile = "SKILL.md"

// ErrSkillNotFound is returned by SkillLibrary.Load for an unknown id.
var ErrSkillNotFound = errors.New("skill not found")

var skillIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*(/[A-Za-z0-9][A-Za-z0-9_-]*)?$`)

// SkillLibrary reads skills from a directory laid out as
//
//	<dir>/<id>/SKILL.md
//	<dir>/<id>/<sub>.md
//	<dir>/<id>/<sub>/SKILL.md
//
// Sub-skills are addressed as "<id>/<sub>". The directory is read on every
// call so edits are picked up without a restart.
type SkillLibrary struct {
	dir    string
	logger *slog.Logger
}

// NewSkillLibrary creates a SkillLibrary over dir. A missing directory is
// an empty library.
func NewSkillLibrary(dir string, logger *slog.Logger) *SkillLibrary {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillLibrary{dir: dir, logger: logger}
}

// skillMeta is the optional YAML front matter of a skill document.
type skillMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Load returns the document for a skill id.
func (l *SkillLibrary) Load(id string) (string, error) {
	if !skillIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid skill id %q", id)
	}

	var candidates []string
	if main, sub, ok := strings.Cut(id, "/"); ok {
		candidates = []string{
			filepath.Join(l.dir, main, sub+".md"),
			filepath.Join(l.dir, main, sub, skillFile),
		}
	} else {
		candidates = []string{filepath.Join(l.dir, id, skillFile)}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read skill %s: %w", id, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSkillNotFound, id)
}

// Skills lists every skill and sub-skill, sorted by id. It satisfies
// agentloop.SkillSource.
func (l *SkillLibrary) Skills() []agentloop.SkillSummary {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("read skills directory failed", "dir", l.dir, "error", err)
		}
		return nil
	}

	var out []agentloop.SkillSummary
	for _, entry := range entries {
		if !entry.IsDir() || !skillIDPattern.MatchString(entry.Name()) {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(l.dir, id)
		if desc, ok := l.describe(filepath.Join(dir, skillFile)); ok {
			out = append(out, agentloop.SkillSummary{ID: id, Description: desc})
		}

		subs, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			var name, path string
			switch {
			case sub.IsDir():
				name, path = sub.Name(), filepath.Join(dir, sub.Name(), skillFile)
			case strings.HasSuffix(sub.Name(), ".md") && sub.Name() != skillFile:
				name, path = strings.TrimSuffix(sub.Name(), ".md"), filepath.Join(dir, sub.Name())
			default:
				continue
			}
			subID := id + "/" + name
			if !skillIDPattern.MatchString(subID) {
				continue
			}
			if desc, ok := l.describe(path); ok {
				out = append(out, agentloop.SkillSummary{ID: subID, Description: desc})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// describe returns the description of the skill document at path: the
// front matter description if present, else its first heading or line.
func (l *SkillLibrary) describe(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	body := data
	if rest, ok := bytes.CutPrefix(data, []byte("---\n")); ok {
		if front, after, ok := bytes.Cut(rest, []byte("\n---")); ok {
			var meta skillMeta
			if err := yaml.Unmarshal(front, &meta); err != nil {
				l.logger.Warn("skill front matter invalid", "path", path, "error", err)
			} else if meta.Description != "" {
				return meta.Description, true
			}
			body = after
		}
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		if line != "" && line != "---" {
			return line, true
		}
	}
	return "", true
}

// RegisterSkillTools registers use_skill and list_skills.
func RegisterSkillTools(reg *agentloop.ToolRegistry, lib *SkillLibrary) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "use_skill",
			Description: "Load the instructions of a skill. Use \"<skill>/<sub-skill>\" for a sub-skill.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"skill_id": map[string]interface{}{
						"type":        "string",
						"description": "Skill identifier, for example \"python\" or \"python/debugging\".",
					},
				},
				"required": []string{"skill_id"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := stringArg(args, "skill_id")
			if err != nil {
				return nil, err
			}
			content, err := lib.Load(id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"skill_id": id, "content": content}, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "list_skills",
			Description: "List the available skills and their descriptions.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			skills := lib.Skills()
			items := make([]map[string]any, len(skills))
			for i, s := range skills {
				items[i] = map[string]any{"skill_id": s.ID, "description": s.Description}
			}
			return map[string]any{"skills": items}, nil
		},
	})
}

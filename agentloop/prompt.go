package agentloop

import (
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/chatloop/unifiedllm"
)

// DefaultPersona opens every system prompt unless PromptBuilder.Persona is set.
const DefaultPersona = "You are a helpful assistant that can use tools to inspect and change the user's workspace. " +
	"Call tools when they help answer the request, and explain what you did."

// SkillSummary describes one loadable skill.
type SkillSummary struct {
	ID          string
	Description string
}

// SkillSource lists the skills available to the model.
type SkillSource interface {
	Skills() []SkillSummary
}

// PromptBuilder renders the system prompt. It is rebuilt for every model
// call so the clock, tool list and skills are always current.
type PromptBuilder struct {
	Persona            string
	WorkingDir         string
	Skills             SkillSource
	CustomInstructions string
}

// Build renders the prompt for the given time and tool schema.
func (p *PromptBuilder) Build(now time.Time, tools []unifiedllm.ToolDefinition) string {
	var sb strings.Builder
	persona := p.Persona
	if persona == "" {
		persona = DefaultPersona
	}
	sb.WriteString(persona)
	sb.WriteString("\n\n")
	sb.WriteString(environmentContext(now, p.WorkingDir))
	sb.WriteString("\n\n")
	sb.WriteString(describeTools(tools))

	if p.Skills != nil {
		if skills := p.Skills.Skills(); len(skills) > 0 {
			sb.WriteString("\n## Available Skills\n\n")
			sb.WriteString("Load a skill with use_skill before working on a matching task.\n\n")
			for _, s := range skills {
				if s.Description != "" {
					fmt.Fprintf(&sb, "- `%s`: %s\n", s.ID, s.Description)
				} else {
					fmt.Fprintf(&sb, "- `%s`\n", s.ID)
				}
			}
		}
	}

	if p.CustomInstructions != "" {
		sb.WriteString("\n## Custom Instructions\n\n")
		sb.WriteString(p.CustomInstructions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func environmentContext(now time.Time, workingDir string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Current time (UTC): %s\n", now.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&sb, "Current time (local): %s\n", now.Local().Format("2006-01-02 15:04:05 MST"))
	if workingDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
		if branch := gitBranch(workingDir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	sb.WriteString("</environment>")
	return sb.String()
}

func describeTools(tools []unifiedllm.ToolDefinition) string {
	if len(tools) == 0 {
		return "No tools are currently available.\n"
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "### %s\n", t.Name)
		fmt.Fprintf(&sb, "Description: %s\n", t.Description)

		props, _ := t.Parameters["properties"].(map[string]interface{})
		if len(props) > 0 {
			required := map[string]bool{}
			for _, name := range RequiredParameters(t.Parameters) {
				required[name] = true
			}
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)

			sb.WriteString("Parameters:\n")
			for _, name := range names {
				info, _ := props[name].(map[string]interface{})
				typ, _ := info["type"].(string)
				desc, _ := info["description"].(string)
				mark := "optional"
				if required[name] {
					mark = "required"
				}
				fmt.Fprintf(&sb, "  - `%s` (%s) (%s): %s\n", name, typ, mark, desc)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// gitBranch returns the current branch, or "" outside a git repository.
func gitBranch(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

package tools

import (
	"context"
	"fmt"

	"github.com/martinemde/chatloop/agentloop"
)

// RegisterFileTools registers read_file, write_file and list_directory.
func RegisterFileTools(reg *agentloop.ToolRegistry, env Environment) {
	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "read_file",
			Description: "Read content from a file.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to read.",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "1-based line number to start reading from.",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of lines to read.",
					},
				},
				"required": []string{"file_path"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, err := stringArg(args, "file_path")
			if err != nil {
				return nil, err
			}
			offset, _ := agentloop.GetIntArg(args, "offset")
			limit, _ := agentloop.GetIntArg(args, "limit")
			content, err := env.ReadFile(path, offset, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"content": content}, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to write.",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "The full file content to write.",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, err := stringArg(args, "file_path")
			if err != nil {
				return nil, err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return nil, err
			}
			if err := env.WriteFile(path, content); err != nil {
				return nil, err
			}
			return map[string]any{"message": "File written successfully: " + path}, nil
		},
	})

	reg.Register(agentloop.RegisteredTool{
		Definition: agentloop.ToolDefinition{
			Name:        "list_directory",
			Description: "List files and directories in a path.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to list.",
					},
				},
				"required": []string{"path"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			items, err := env.ListDirectory(path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"items": items}, nil
		},
	})
}

func stringArg(args map[string]any, key string) (string, error) {
	s, ok := agentloop.GetStringArg(args, key)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

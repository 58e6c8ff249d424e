package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emberhost/ember/internal/llm"
)

const maxReadBytes = 256 * 1024

// RegisterWorkspaceTools registers the built-in file tools, all scoped
// to the session's workspace root.
func RegisterWorkspaceTools(r *Registry, root string) {
	r.Register(llm.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the session workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			},
			"required": []string{"path"},
		},
	}, func(_ context.Context, input map[string]any) (string, error) {
		path, err := workspacePath(root, input)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat: %w", err)
		}
		if info.Size() > maxReadBytes {
			return "", fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxReadBytes)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		return string(data), nil
	})

	r.Register(llm.ToolDefinition{
		Name:        "write_file",
		Description: "Write a text file into the session workspace, creating parent directories as needed.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
				"content": map[string]any{"type": "string", "description": "Full file content."},
			},
			"required": []string{"path", "content"},
		},
	}, func(_ context.Context, input map[string]any) (string, error) {
		path, err := workspacePath(root, input)
		if err != nil {
			return "", err
		}
		content, _ := input["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create parent dirs: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write: %w", err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), input["path"]), nil
	})

	r.Register(llm.ToolDefinition{
		Name:        "list_files",
		Description: "List files under a directory in the session workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory relative to the workspace root; defaults to the root."},
			},
		},
	}, func(_ context.Context, input map[string]any) (string, error) {
		if _, ok := input["path"]; !ok {
			input = map[string]any{"path": "."}
		}
		path, err := workspacePath(root, input)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", fmt.Errorf("read dir: %w", err)
		}
		var b strings.Builder
		for _, e := range entries {
			if e.IsDir() {
				fmt.Fprintf(&b, "%s/\n", e.Name())
			} else {
				fmt.Fprintf(&b, "%s\n", e.Name())
			}
		}
		if b.Len() == 0 {
			return "(empty)", nil
		}
		return b.String(), nil
	})
}

// workspacePath resolves the "path" input against the workspace root
// and rejects anything escaping it.
func workspacePath(root string, input map[string]any) (string, error) {
	raw, ok := input["path"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("missing required input: path")
	}
	full := filepath.Join(root, raw)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return full, nil
}

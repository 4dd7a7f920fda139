package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileTools provides file read/write/edit capabilities within a
// workspace. Paths are resolved relative to the workspace and may not
// escape it.
type FileTools struct {
	workspace string
}

// NewFileTools creates file tools rooted at workspace.
func NewFileTools(workspace string) *FileTools {
	return &FileTools{workspace: workspace}
}

// resolvePath converts a path to an absolute path within the workspace.
// Returns an error if the path would escape it.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspace == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	workspaceAbs, err := filepath.Abs(ft.workspace)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Clean(filepath.Join(workspaceAbs, path))
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

const maxReadBytes = 50 * 1024

// Read returns a file's content, optionally windowed by 1-indexed line
// offset and line limit.
func (ft *FileTools) Read(path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}
		content = strings.Join(lines[startLine:endLine], "\n")
		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write writes content to a file, creating parent directories as
// needed.
func (ft *FileTools) Write(path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Edit replaces oldText with newText in a file. oldText must appear
// exactly once.
func (ft *FileTools) Edit(path, oldText, newText string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	switch strings.Count(content, oldText) {
	case 0:
		return fmt.Errorf("text not found in %s", path)
	case 1:
		// unique, safe to replace
	default:
		return fmt.Errorf("text appears multiple times in %s, provide more context", path)
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List returns the entries of a directory, directories suffixed with a
// slash, sorted.
func (ft *FileTools) List(path string) (string, error) {
	if path == "" {
		path = "."
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

// RegisterFileTools adds the file tools to a registry.
func RegisterFileTools(r *Registry, workspace string) {
	ft := NewFileTools(workspace)

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Supports optional line offset and limit for large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-indexed first line to read.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read.",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, _ Call, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			offset, _ := args["offset"].(float64)
			limit, _ := args["limit"].(float64)
			return ft.Read(path, int(offset), int(limit))
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating directories as needed. Overwrites existing files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content to write.",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(_ context.Context, _ Call, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := ft.Write(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace an exact text snippet in a file. The old text must appear exactly once.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace.",
				},
				"old_text": map[string]any{
					"type":        "string",
					"description": "Exact text to replace.",
				},
				"new_text": map[string]any{
					"type":        "string",
					"description": "Replacement text.",
				},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(_ context.Context, _ Call, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			if err := ft.Edit(path, oldText, newText); err != nil {
				return "", err
			}
			return fmt.Sprintf("Edited %s", path), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_dir",
		Description: "List the contents of a workspace directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path relative to the workspace. Default: workspace root.",
				},
			},
		},
		Handler: func(_ context.Context, _ Call, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			return ft.List(path)
		},
	})
}

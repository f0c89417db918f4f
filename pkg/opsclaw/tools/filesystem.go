package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ReadFileTool returns the contents of a text file.
type ReadFileTool struct {
	workspace string
}

// NewReadFileTool creates a read_file tool confined to workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a text file in the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path": prop("string", "File path, relative to the workspace or absolute"),
	}, "path")
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	resolved, err := ValidatePath(path, t.workspace)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved.String())
	if errors.Is(err, fs.ErrNotExist) {
		return "FILE NOT FOUND: " + path, nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return "PERMISSION DENIED: " + path, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "NOT A FILE: " + path, nil
	}

	data, err := os.ReadFile(resolved.String())
	if errors.Is(err, fs.ErrPermission) {
		return "PERMISSION DENIED: " + path, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	if mt := mimetype.Detect(data); !isText(mt) {
		return fmt.Sprintf("BINARY FILE (%s): %s", mt.String(), path), nil
	}
	return string(data), nil
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") || strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

// WriteFileTool writes a file, creating parent directories as needed.
type WriteFileTool struct {
	workspace string
}

// NewWriteFileTool creates a write_file tool confined to workspace.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, replacing it if it exists. Creates parent directories."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path":    prop("string", "File path, relative to the workspace or absolute"),
		"content": prop("string", "Content to write"),
	}, "path", "content")
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := StringArg(args, "content")
	if err != nil {
		return "", err
	}
	resolved, err := ValidatePath(path, t.workspace)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(resolved.String()), 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "PERMISSION DENIED: " + path, nil
		}
		return "", fmt.Errorf("creating parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved.String(), []byte(content), 0o644); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "PERMISSION DENIED: " + path, nil
		}
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return fmt.Sprintf("%d BYTES WRITTEN TO %s", len(content), path), nil
}

// EditFileTool replaces exactly one occurrence of a text segment.
type EditFileTool struct {
	workspace string
}

// NewEditFileTool creates an edit_file tool confined to workspace.
func NewEditFileTool(workspace string) *EditFileTool {
	return &EditFileTool{workspace: workspace}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace old_text with new_text in a file. old_text must match exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path":     prop("string", "File path, relative to the workspace or absolute"),
		"old_text": prop("string", "Exact text to replace; must occur exactly once"),
		"new_text": prop("string", "Replacement text"),
	}, "path", "old_text", "new_text")
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	oldText, err := StringArg(args, "old_text")
	if err != nil {
		return "", err
	}
	newText, err := StringArg(args, "new_text")
	if err != nil {
		return "", err
	}
	if oldText == "" {
		return "", &ArgumentError{Name: "old_text", Reason: "must not be empty"}
	}
	resolved, err := ValidatePath(path, t.workspace)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(resolved.String())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "FILE NOT FOUND: " + path, nil
	case errors.Is(err, fs.ErrPermission):
		return "PERMISSION DENIED: " + path, nil
	case err != nil:
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return "TARGET TEXT NOT FOUND", nil
	case n > 1:
		return fmt.Sprintf("AMBIGUOUS TARGET: %d MATCHES", n), nil
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved.String(), []byte(updated), 0o644); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "PERMISSION DENIED: " + path, nil
		}
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return "FILE EDITED: " + path, nil
}

// ListDirTool lists a directory.
type ListDirTool struct {
	workspace string
}

// NewListDirTool creates a list_dir tool confined to workspace.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{workspace: workspace}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory in the workspace."
}

func (t *ListDirTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path": prop("string", "Directory path, relative to the workspace or absolute"),
	}, "path")
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return "", err
	}
	resolved, err := ValidatePath(path, t.workspace)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved.String())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "DIRECTORY NOT FOUND: " + path, nil
	case errors.Is(err, fs.ErrPermission):
		return "PERMISSION DENIED: " + path, nil
	case err != nil:
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return "NOT A DIRECTORY: " + path, nil
	}

	entries, err := os.ReadDir(resolved.String())
	if errors.Is(err, fs.ErrPermission) {
		return "PERMISSION DENIED: " + path, nil
	}
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", path, err)
	}
	if len(entries) == 0 {
		return "EMPTY DIRECTORY: " + path, nil
	}

	// os.ReadDir returns entries sorted by name.
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		prefix := "[FILE] "
		if e.IsDir() {
			prefix = "[DIR] "
		}
		lines = append(lines, prefix+e.Name())
	}
	return strings.Join(lines, "\n"), nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"phaseloop/internal/tools"
)

// ReadFileTool returns a tool for reading file contents.
func (w *Workspace) ReadFileTool() *tools.Tool {
	return &tools.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Execute:     w.executeReadFile,
		Schema: tools.ToolSchema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to read, relative to the workspace",
				},
				"start_line": {
					Type:        "integer",
					Description: "Starting line number (1-indexed, optional)",
				},
				"end_line": {
					Type:        "integer",
					Description: "Ending line number (inclusive, optional)",
				},
			},
		},
	}
}

func (w *Workspace) executeReadFile(ctx context.Context, args map[string]any) (string, error) {
	path := tools.StringArg(args, "path")
	if path == "" {
		return "", tools.Structural(errors.New("path is required"))
	}
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}

	w.log.Debug("read_file: path=%s", path)

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	result := string(content)

	startLine := tools.IntArg(args, "start_line", 0)
	endLine := tools.IntArg(args, "end_line", 0)
	if startLine > 0 || endLine > 0 {
		lines := strings.Split(result, "\n")
		if startLine < 1 {
			startLine = 1
		}
		if endLine <= 0 || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return "", tools.Structural(fmt.Errorf("start_line %d beyond end_line %d", startLine, endLine))
		}
		result = strings.Join(lines[startLine-1:endLine], "\n")
	}

	return result, nil
}

// WriteFileTool returns a tool for writing content to a file.
func (w *Workspace) WriteFileTool() *tools.Tool {
	return &tools.Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating it and its parent directories if needed",
		Mutating:    true,
		ContentArg:  "content",
		Execute:     w.executeWriteFile,
		Schema: tools.ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to write",
				},
				"content": {
					Type:        "string",
					Description: "The content to write",
				},
			},
		},
	}
}

func (w *Workspace) executeWriteFile(ctx context.Context, args map[string]any) (string, error) {
	path := tools.StringArg(args, "path")
	if path == "" {
		return "", tools.Structural(errors.New("path is required"))
	}
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	content := tools.StringArg(args, "content")

	w.log.Debug("write_file: path=%s, size=%d", path, len(content))

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	w.log.Info("write_file completed: %s (%d bytes)", w.Rel(abs), len(content))
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), w.Rel(abs)), nil
}

// EditFileTool returns a tool for editing files with search/replace.
func (w *Workspace) EditFileTool() *tools.Tool {
	return &tools.Tool{
		Name:        "edit_file",
		Description: "Edit a file by replacing text",
		Mutating:    true,
		ContentArg:  "new_text",
		Execute:     w.executeEditFile,
		Schema: tools.ToolSchema{
			Required: []string{"path", "old_text", "new_text"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to edit",
				},
				"old_text": {
					Type:        "string",
					Description: "The text to find and replace",
				},
				"new_text": {
					Type:        "string",
					Description: "The replacement text",
				},
				"replace_all": {
					Type:        "boolean",
					Description: "Replace all occurrences (default: false, replaces first only)",
					Default:     false,
				},
			},
		},
	}
}

func (w *Workspace) executeEditFile(ctx context.Context, args map[string]any) (string, error) {
	path := tools.StringArg(args, "path")
	if path == "" {
		return "", tools.Structural(errors.New("path is required"))
	}
	oldText := tools.StringArg(args, "old_text")
	if oldText == "" {
		return "", tools.Structural(errors.New("old_text is required"))
	}
	newText := tools.StringArg(args, "new_text")
	replaceAll := tools.BoolArg(args, "replace_all", false)

	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}

	w.log.Debug("edit_file: path=%s, old_len=%d, new_len=%d", path, len(oldText), len(newText))

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	contentStr := string(content)

	if !strings.Contains(contentStr, oldText) {
		return "", tools.Structural(errors.New("old_text not found in file"))
	}

	var newContent string
	count := 1
	if replaceAll {
		count = strings.Count(contentStr, oldText)
		newContent = strings.ReplaceAll(contentStr, oldText, newText)
	} else {
		newContent = strings.Replace(contentStr, oldText, newText, 1)
	}

	// The file changed underneath us between read and write.
	if current, err := os.ReadFile(abs); err == nil && string(current) != contentStr {
		return "", tools.Transient(fmt.Errorf("%s modified during edit", w.Rel(abs)))
	}
	if err := os.WriteFile(abs, []byte(newContent), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	w.log.Info("edit_file completed: %s (%d replacements)", w.Rel(abs), count)
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, w.Rel(abs)), nil
}

// DeleteFileTool returns a tool for deleting files.
func (w *Workspace) DeleteFileTool() *tools.Tool {
	return &tools.Tool{
		Name:        "delete_file",
		Description: "Delete a file",
		Mutating:    true,
		Execute:     w.executeDeleteFile,
		Schema: tools.ToolSchema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to delete",
				},
			},
		},
	}
}

func (w *Workspace) executeDeleteFile(ctx context.Context, args map[string]any) (string, error) {
	path := tools.StringArg(args, "path")
	if path == "" {
		return "", tools.Structural(errors.New("path is required"))
	}
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	if abs == w.root {
		return "", tools.Structural(errors.New("cannot delete the workspace root"))
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", tools.Structural(errors.New("cannot delete directory with delete_file"))
	}
	if err := os.Remove(abs); err != nil {
		return "", fmt.Errorf("failed to delete file: %w", err)
	}

	w.log.Info("delete_file completed: %s", w.Rel(abs))
	return fmt.Sprintf("Deleted %s", w.Rel(abs)), nil
}

// ListFilesTool returns a tool for listing directory contents.
func (w *Workspace) ListFilesTool() *tools.Tool {
	return &tools.Tool{
		Name:        "list_files",
		Description: "List files in a directory",
		Execute:     w.executeListFiles,
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The directory path to list (default: workspace root)",
				},
				"recursive": {
					Type:        "boolean",
					Description: "List recursively (default: false)",
					Default:     false,
				},
				"include_hidden": {
					Type:        "boolean",
					Description: "Include hidden files (default: false)",
					Default:     false,
				},
			},
		},
	}
}

func (w *Workspace) executeListFiles(ctx context.Context, args map[string]any) (string, error) {
	abs, err := w.Resolve(tools.StringArg(args, "path"))
	if err != nil {
		return "", err
	}
	recursive := tools.BoolArg(args, "recursive", false)
	includeHidden := tools.BoolArg(args, "include_hidden", false)

	var files []string
	if recursive {
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // Skip errors
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if p == abs {
				return nil
			}
			if !includeHidden && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, _ := filepath.Rel(abs, p)
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				rel += "/"
			}
			files = append(files, rel)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk directory: %w", err)
		}
	} else {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", fmt.Errorf("failed to read directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if !includeHidden && strings.HasPrefix(name, ".") {
				continue
			}
			if entry.IsDir() {
				name += "/"
			}
			files = append(files, name)
		}
	}

	w.log.Debug("list_files completed: %s (%d entries)", w.Rel(abs), len(files))
	return strings.Join(files, "\n"), nil
}

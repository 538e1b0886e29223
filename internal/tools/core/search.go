package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"phaseloop/internal/tools"
)

// GrepTool returns a tool for searching file contents.
func (w *Workspace) GrepTool() *tools.Tool {
	return &tools.Tool{
		Name:        "grep",
		Description: "Search for a pattern in file contents",
		Execute:     w.executeGrep,
		Schema: tools.ToolSchema{
			Required: []string{"pattern"},
			Properties: map[string]tools.Property{
				"pattern": {
					Type:        "string",
					Description: "Regular expression pattern to search for",
				},
				"path": {
					Type:        "string",
					Description: "File or directory to search (default: workspace root)",
				},
				"file_pattern": {
					Type:        "string",
					Description: "Glob pattern for files to search (e.g., '*.go')",
				},
				"context_lines": {
					Type:        "integer",
					Description: "Number of context lines before a match (default: 0)",
					Default:     0,
				},
				"max_results": {
					Type:        "integer",
					Description: "Maximum number of matches (default: 50)",
					Default:     50,
				},
				"ignore_case": {
					Type:        "boolean",
					Description: "Case insensitive search (default: false)",
					Default:     false,
				},
			},
		},
	}
}

// GrepMatch represents a single grep match.
type GrepMatch struct {
	File       string
	LineNumber int
	Line       string
	Context    []string
}

func (w *Workspace) executeGrep(ctx context.Context, args map[string]any) (string, error) {
	pattern := tools.StringArg(args, "pattern")
	if pattern == "" {
		return "", tools.Structural(errors.New("pattern is required"))
	}
	root, err := w.Resolve(tools.StringArg(args, "path"))
	if err != nil {
		return "", err
	}
	filePattern := tools.StringArg(args, "file_pattern")
	contextLines := tools.IntArg(args, "context_lines", 0)
	maxResults := tools.IntArg(args, "max_results", 50)
	if maxResults <= 0 {
		maxResults = 50
	}

	if tools.BoolArg(args, "ignore_case", false) {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", tools.Structural(fmt.Errorf("invalid regex pattern: %w", err))
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("path not found: %w", err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				name := d.Name()
				if p != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if filePattern != "" {
				if matched, _ := filepath.Match(filePattern, d.Name()); !matched {
					return nil
				}
			}
			files = append(files, p)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk directory: %w", err)
		}
	} else {
		files = []string{root}
	}

	var matches []GrepMatch
	for _, file := range files {
		if len(matches) >= maxResults {
			break
		}
		fileMatches, err := searchFile(file, re, contextLines, maxResults-len(matches))
		if err != nil {
			continue // Skip unreadable files
		}
		for i := range fileMatches {
			fileMatches[i].File = w.Rel(file)
		}
		matches = append(matches, fileMatches...)
	}

	w.log.Debug("grep completed: %s (%d matches)", pattern, len(matches))

	if len(matches) == 0 {
		return "No matches found for pattern: " + pattern, nil
	}

	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d: %s\n", m.File, m.LineNumber, m.Line)
		for _, c := range m.Context {
			fmt.Fprintf(&sb, "  %s\n", c)
		}
	}
	return sb.String(), nil
}

func searchFile(path string, re *regexp.Regexp, contextLines, maxMatches int) ([]GrepMatch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var matches []GrepMatch
	var before []string

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if re.MatchString(line) {
			match := GrepMatch{
				File:       path,
				LineNumber: lineNum,
				Line:       strings.TrimSpace(line),
			}
			for i, c := range before {
				match.Context = append(match.Context, fmt.Sprintf("-%d: %s", len(before)-i, strings.TrimSpace(c)))
			}
			matches = append(matches, match)
			if len(matches) >= maxMatches {
				break
			}
		}

		if contextLines > 0 {
			before = append(before, line)
			if len(before) > contextLines {
				before = before[1:]
			}
		}
	}
	return matches, scanner.Err()
}

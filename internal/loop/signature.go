package loop

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// KeyArgs are the argument names that identify what a tool call is about.
// Everything else (content, limits, flags) is left out of the signature.
var KeyArgs = []string{"path", "file", "target", "query", "pattern", "command", "url"}

// targetArgs are tried in order to find a call's target.
var targetArgs = []string{"path", "file", "target", "url", "query", "pattern", "command"}

// Patterns for variable content, most specific first.
var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	hexPattern       = regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]*[a-fA-F][0-9a-fA-F]*\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// NormalizeValue strips runtime-specific noise from an argument value so calls
// that differ only in ids or timestamps share a signature.
func NormalizeValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	v = uuidPattern.ReplaceAllString(v, "<UUID>")
	v = timestampPattern.ReplaceAllString(v, "<TIMESTAMP>")
	v = hexPattern.ReplaceAllStringFunc(v, func(m string) string {
		if len(strings.TrimPrefix(m, "0x")) >= 12 {
			return "<HEX>"
		}
		return m
	})
	return spacePattern.ReplaceAllString(v, " ")
}

// Signature renders tool(k=v,...) over the key arguments present in args,
// sorted by key. Paths are cleaned.
func Signature(tool string, args map[string]any) string {
	var parts []string
	for _, k := range KeyArgs {
		raw, ok := args[k]
		if !ok {
			continue
		}
		v := NormalizeValue(fmt.Sprint(raw))
		if v == "" {
			continue
		}
		if k == "path" || k == "file" {
			v = filepath.ToSlash(filepath.Clean(v))
		}
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return tool + "(" + strings.Join(parts, ",") + ")"
}

// TargetOf returns the first present target-like argument, or "".
func TargetOf(args map[string]any) string {
	for _, k := range targetArgs {
		raw, ok := args[k]
		if !ok {
			continue
		}
		v := strings.TrimSpace(fmt.Sprint(raw))
		if v == "" {
			continue
		}
		if k == "path" || k == "file" {
			return filepath.ToSlash(filepath.Clean(v))
		}
		return v
	}
	return ""
}

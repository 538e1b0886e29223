package world

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"phaseloop/internal/logging"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	"__pycache__":  true,
	"testdata":     true,
}

// Scanner parses workspace sources with tree-sitter and builds a ReferenceGraph.
// A Scanner is not safe for concurrent use.
type Scanner struct {
	root         string
	modulePath   string
	goParser     *sitter.Parser
	pythonParser *sitter.Parser
	log          *logging.CategoryLogger
}

// NewScanner creates a scanner rooted at workspace. The Go module path is read
// from workspace/go.mod when present.
func NewScanner(workspace string, log *logging.Logger) *Scanner {
	if log == nil {
		log = logging.NewNop()
	}
	goParser := sitter.NewParser()
	goParser.SetLanguage(golang.GetLanguage())
	pyParser := sitter.NewParser()
	pyParser.SetLanguage(python.GetLanguage())
	return &Scanner{
		root:         workspace,
		modulePath:   readModulePath(filepath.Join(workspace, "go.mod")),
		goParser:     goParser,
		pythonParser: pyParser,
		log:          log.Get(logging.CategoryWorld),
	}
}

// Close releases parser resources.
func (s *Scanner) Close() {
	s.goParser.Close()
	s.pythonParser.Close()
}

// ModulePath returns the Go module path, or "" when there is no go.mod.
func (s *Scanner) ModulePath() string { return s.modulePath }

func readModulePath(goMod string) string {
	data, err := os.ReadFile(goMod)
	if err != nil {
		return ""
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module"); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}

// Scan walks the workspace and returns the graph. Unparseable files are
// logged and skipped.
func (s *Scanner) Scan(ctx context.Context) (*ReferenceGraph, error) {
	timer := logging.StartTimer(s.log, "world.Scan")
	defer timer.Stop()

	g := NewReferenceGraph()
	var pyFiles []string
	goFiles := 0

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		switch {
		case strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go"):
			goFiles++
			if err := s.addGoFile(ctx, g, p, rel); err != nil {
				s.log.Warn("Skipping %s: %v", rel, err)
			}
		case strings.HasSuffix(name, ".py"):
			pyFiles = append(pyFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	known := make(map[string]bool, len(pyFiles))
	for _, f := range pyFiles {
		known[f] = true
	}
	for _, rel := range pyFiles {
		if err := s.addPythonFile(ctx, g, rel, known); err != nil {
			s.log.Warn("Skipping %s: %v", rel, err)
		}
	}

	s.log.Info("Reference graph: %d nodes, %d edges (%d go files, %d python files)",
		len(g.Nodes()), g.EdgeCount(), goFiles, len(pyFiles))
	return g, nil
}

func (s *Scanner) parse(ctx context.Context, parser *sitter.Parser, file string) (*sitter.Tree, []byte, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, err
	}
	s.log.Debug("TreeSitter: parsed %s in %v", filepath.Base(file), time.Since(start))
	return tree, content, nil
}

// addGoFile adds edges from the file's package directory to every imported
// package inside the module.
func (s *Scanner) addGoFile(ctx context.Context, g *ReferenceGraph, file, rel string) error {
	pkg := path.Dir(rel)
	g.AddNode(pkg)
	if s.modulePath == "" {
		return nil
	}

	tree, content, err := s.parse(ctx, s.goParser, file)
	if err != nil {
		return err
	}
	defer tree.Close()

	for _, imp := range goImports(tree.RootNode(), content) {
		target, ok := s.localGoPackage(imp)
		if ok && target != pkg {
			g.AddEdge(pkg, target)
		}
	}
	return nil
}

func (s *Scanner) localGoPackage(imp string) (string, bool) {
	if imp == s.modulePath {
		return ".", true
	}
	if rest, ok := strings.CutPrefix(imp, s.modulePath+"/"); ok {
		return rest, true
	}
	return "", false
}

// goImports returns import paths from a Go syntax tree.
func goImports(root *sitter.Node, content []byte) []string {
	var out []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_spec":
			if p := n.ChildByFieldName("path"); p != nil {
				out = append(out, strings.Trim(p.Content(content), "\"`"))
			}
			return
		case "function_declaration", "method_declaration", "type_declaration":
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out
}

// addPythonFile adds edges from a module file to every imported module that
// resolves to a file in the workspace.
func (s *Scanner) addPythonFile(ctx context.Context, g *ReferenceGraph, rel string, known map[string]bool) error {
	g.AddNode(rel)
	tree, content, err := s.parse(ctx, s.pythonParser, filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer tree.Close()

	for _, candidates := range pythonImports(tree.RootNode(), content) {
		for _, mod := range candidates {
			target, ok := resolvePython(rel, mod, known)
			if !ok {
				continue
			}
			if target != rel {
				g.AddEdge(rel, target)
			}
			break
		}
	}
	return nil
}

// pythonImports returns, per imported name, the dotted module candidates to
// try in order. Relative imports keep their leading dots. For
// "from m import a" the candidates are "m.a" then "m", so a submodule import
// resolves to the submodule and a symbol import to the module.
func pythonImports(root *sitter.Node, content []byte) [][]string {
	var out [][]string
	nameOf := func(n *sitter.Node) string {
		if n.Type() == "aliased_import" {
			if inner := n.ChildByFieldName("name"); inner != nil {
				return inner.Content(content)
			}
		}
		return n.Content(content)
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				out = append(out, []string{nameOf(n.NamedChild(i))})
			}
			return
		case "import_from_statement":
			modNode := n.ChildByFieldName("module_name")
			if modNode == nil {
				return
			}
			mod := modNode.Content(content)
			named := false
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() != "dotted_name" && child.Type() != "aliased_import" {
					continue
				}
				if child.StartByte() == modNode.StartByte() {
					continue
				}
				named = true
				sub := mod + "." + nameOf(child)
				if strings.HasSuffix(mod, ".") {
					sub = mod + nameOf(child)
				}
				out = append(out, []string{sub, mod})
			}
			if !named {
				out = append(out, []string{mod})
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out
}

// resolvePython maps a dotted module name to a known file: pkg/mod.py first,
// then pkg/mod/__init__.py. Relative names resolve against the importer's
// directory, one extra dot per parent.
func resolvePython(importer, mod string, known map[string]bool) (string, bool) {
	base := ""
	if strings.HasPrefix(mod, ".") {
		dots := len(mod) - len(strings.TrimLeft(mod, "."))
		base = path.Dir(importer)
		for i := 1; i < dots; i++ {
			base = path.Dir(base)
		}
		mod = mod[dots:]
		if base == "." {
			base = ""
		}
	}
	rel := strings.ReplaceAll(mod, ".", "/")
	if base != "" {
		rel = path.Join(base, rel)
	}
	if rel == "" {
		return "", false
	}
	for _, cand := range []string{rel + ".py", path.Join(rel, "__init__.py")} {
		if known[cand] {
			return cand, true
		}
	}
	return "", false
}

// Package ignore decides which files in a bundle repository are candidates
// for tracking. It combines a built-in default list with an optional
// override file in the repository root.
package ignore

import (
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// OverrideFile is the name of the per-repository ignore override file. Its
// patterns are evaluated after the defaults, so repositories can both add
// patterns and re-include defaults with "!".
const OverrideFile = ".mopsignore"

// defaultPatterns are always active. They cover version control internals,
// tool caches, build output, editor droppings, OS noise, logs, files that
// usually hold credentials, and our own state directory.
var defaultPatterns = []string{
	".git/",
	".hg/",
	".svn/",
	"__pycache__/",
	"*.pyc",
	"*.pyo",
	".ipynb_checkpoints/",
	".venv/",
	"venv/",
	".tox/",
	".mypy_cache/",
	".pytest_cache/",
	"node_modules/",
	"target/",
	"dist/",
	"build/",
	".eggs/",
	"*.egg-info/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*~",
	"*.log",
	".env",
	"*.pem",
	"id_rsa",
	"credentials.json",
	".idea/",
	".vscode/",
	".mops/",
}

// neverTraverse are directory names that scans skip without descending,
// regardless of override patterns. Walking these is wasted work even when a
// pattern would re-include individual files.
var neverTraverse = map[string]bool{
	".git":               true,
	".hg":                true,
	".svn":               true,
	"__pycache__":        true,
	".ipynb_checkpoints": true,
	".venv":              true,
	"venv":               true,
	".tox":               true,
	".mypy_cache":        true,
	".pytest_cache":      true,
	"node_modules":       true,
	".mops":              true,
}

type pattern struct {
	// expr is the pattern with negation, anchoring, and trailing-slash
	// markers stripped.
	expr     string
	negate   bool
	dirOnly  bool
	anchored bool
}

// Engine answers whether paths are ignored. Patterns are evaluated in order
// and the last match wins, like standard ignore files.
type Engine struct {
	patterns []pattern
}

// Default returns an engine with only the built-in patterns.
func Default() *Engine {
	eng := &Engine{}
	for _, expr := range defaultPatterns {
		eng.patterns = append(eng.patterns, parsePattern(expr))
	}
	return eng
}

// Load returns an engine combining the built-in patterns with the override
// file in root, if one exists.
func Load(root string) (*Engine, error) {
	eng := Default()

	overridePath := path.Join(root, OverrideFile)
	exists, err := afero.Exists(fs, overridePath)
	if err != nil {
		return nil, errors.WithContext(err, "stat ignore overrides")
	}
	if !exists {
		return eng, nil
	}

	contents, err := afero.ReadFile(fs, overridePath)
	if err != nil {
		return nil, errors.WithContext(err, "read ignore overrides")
	}

	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eng.patterns = append(eng.patterns, parsePattern(line))
	}
	return eng, nil
}

func parsePattern(expr string) pattern {
	pat := pattern{}

	if strings.HasPrefix(expr, "!") {
		pat.negate = true
		expr = expr[1:]
	}

	if strings.HasSuffix(expr, "/") {
		pat.dirOnly = true
		expr = strings.TrimSuffix(expr, "/")
	}

	// A leading slash anchors the pattern to the repository root. Any other
	// slash anchors it too, per standard ignore-file semantics.
	if strings.HasPrefix(expr, "/") {
		pat.anchored = true
		expr = expr[1:]
	}
	if strings.Contains(expr, "/") {
		pat.anchored = true
	}

	pat.expr = expr
	return pat
}

// IsIgnored returns whether the repo-relative path p is ignored. A trailing
// slash marks p as a directory, which matters for directory-only patterns.
// Ignored paths can still be tracked explicitly; callers never consult the
// engine for paths already in the tracked set.
func (eng *Engine) IsIgnored(p string) bool {
	p, isDir := splitDirMarker(p)

	ignored := false
	for _, pat := range eng.patterns {
		if pat.matches(p, isDir) {
			ignored = !pat.negate
		}
	}
	return ignored
}

// ShouldTraverse returns whether a scan should descend into a directory with
// the given base name. Unlike IsIgnored, this is a fixed policy that
// override files can't loosen.
func (eng *Engine) ShouldTraverse(name string) bool {
	return !neverTraverse[name]
}

func splitDirMarker(p string) (string, bool) {
	if strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/"), true
	}
	return p, false
}

func (pat pattern) matches(p string, isDir bool) bool {
	if pat.anchored {
		return pat.matchesAnchored(p, isDir)
	}

	// Unanchored patterns match against each path segment. A match on an
	// ancestor segment ignores everything beneath that directory.
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		final := i == len(segments)-1
		if pat.dirOnly && final && !isDir {
			continue
		}
		if matchComponent(pat.expr, segment) {
			return true
		}
	}
	return false
}

func (pat pattern) matchesAnchored(p string, isDir bool) bool {
	if (!pat.dirOnly || isDir) && matchComponent(pat.expr, p) {
		return true
	}

	// Match ancestor directories so that "build/" covers "build/out/a.o".
	for i, c := range p {
		if c == '/' && matchComponent(pat.expr, p[:i]) {
			return true
		}
	}
	return false
}

func matchComponent(expr, s string) bool {
	ok, err := path.Match(expr, s)
	return err == nil && ok
}

package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/penserai/acteon/internal/core"
)

// Frontend parses a text surface syntax into the rule IR. Frontends
// register by file extension; a directory loader multiplexes them.
type Frontend interface {
	// Extensions returns the file extensions (without dot) this frontend
	// claims, e.g. ["yaml", "yml"].
	Extensions() []string
	// Parse compiles file content into rules. path is recorded as the
	// rule source and used for error messages; it may be empty for
	// inline content.
	Parse(path string, content []byte) ([]core.Rule, error)
}

// Loader multiplexes frontends over a rule directory.
type Loader struct {
	byExt map[string]Frontend
}

// NewLoader builds a loader with the default frontends (YAML and CEL)
// registered.
func NewLoader() *Loader {
	l := &Loader{byExt: make(map[string]Frontend)}
	l.Register(&YAMLFrontend{})
	l.Register(&CELFrontend{})
	return l
}

// Register claims the frontend's extensions. Later registrations win.
func (l *Loader) Register(f Frontend) {
	for _, ext := range f.Extensions() {
		l.byExt[strings.ToLower(ext)] = f
	}
}

// LoadDirectory parses every recognized file directly under dir and
// returns the combined rule set, sorted. Files with unclaimed extensions
// are skipped. Any parse failure fails the whole load: configuration
// errors are fatal at startup and rejected on hot reload.
func (l *Loader) LoadDirectory(dir string) ([]core.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []core.Rule
	for _, name := range names {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		f, ok := l.byExt[ext]
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rules: read %s: %w", path, err)
		}
		parsed, err := f.Parse(path, content)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed...)
	}
	core.SortRules(out)
	return out, nil
}

// ABOUTME: named prompt templates loaded from files with embedded defaults
// ABOUTME: reload swaps the whole set atomically, a bad file keeps the old set

package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
)

//go:embed defaults/*.tmpl
var defaultsFS embed.FS

// Ext is the file extension the registry loads from the prompt directory.
const Ext = ".tmpl"

var (
	ErrUnknownTemplate = errors.New("unknown prompt template")
	ErrUnknownVariable = errors.New("unknown prompt variable")
	ErrMissingVariable = errors.New("missing prompt variable")
)

type entry struct {
	tmpl   *template.Template
	fields map[string]struct{}
}

// Registry holds a named set of parsed prompt templates. Lookups are
// read-mostly; Reload builds a complete replacement set and swaps it in
// only when every file parses.
type Registry struct {
	dir string
	log *slog.Logger

	mu  sync.RWMutex
	set map[string]*entry
}

// New builds a registry from the embedded defaults overlaid with any
// *.tmpl files found in dir. A same-named file replaces the default.
// An empty dir serves defaults only.
func New(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{dir: dir, log: logger.With("component", "prompts")}
	set, err := r.build()
	if err != nil {
		return nil, err
	}
	r.set = set
	r.log.Info("prompt templates loaded", "count", len(set), "dir", dir)
	return r, nil
}

// Reload rebuilds the set from disk. On any read or parse error the
// previous set keeps serving and the error is returned.
func (r *Registry) Reload() error {
	set, err := r.build()
	if err != nil {
		return fmt.Errorf("reload prompts: %w", err)
	}
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	r.log.Info("prompt templates reloaded", "count", len(set))
	return nil
}

// Render executes the named template with vars. Every var must be a
// placeholder the template declares, and every placeholder must be
// supplied; either mismatch is an error before execution starts.
func (r *Registry) Render(name string, vars map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.set[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	for k := range vars {
		if _, ok := e.fields[k]; !ok {
			return "", fmt.Errorf("%w: %q is not used by template %s", ErrUnknownVariable, k, name)
		}
	}
	for f := range e.fields {
		if _, ok := vars[f]; !ok {
			return "", fmt.Errorf("%w: template %s needs %q", ErrMissingVariable, name, f)
		}
	}

	var buf strings.Builder
	if err := e.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names returns all template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.set))
}

// Variables returns the sorted placeholder names the template declares.
func (r *Registry) Variables(name string) ([]string, error) {
	r.mu.RLock()
	e, ok := r.set[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return slices.Sorted(maps.Keys(e.fields)), nil
}

func (r *Registry) build() (map[string]*entry, error) {
	sources, err := readSources(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("embedded prompts: %w", err)
	}

	if r.dir != "" {
		overlay, err := readSources(os.DirFS(r.dir), ".")
		switch {
		case errors.Is(err, fs.ErrNotExist):
			r.log.Warn("prompt directory missing, serving embedded defaults", "dir", r.dir)
		case err != nil:
			return nil, fmt.Errorf("prompt dir %s: %w", r.dir, err)
		default:
			maps.Copy(sources, overlay)
		}
	}

	set := make(map[string]*entry, len(sources))
	for name, src := range sources {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		set[name] = &entry{tmpl: tmpl, fields: collectFields(tmpl)}
	}
	return set, nil
}

func readSources(fsys fs.FS, root string) (map[string]string, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]string)
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Ext) {
			continue
		}
		raw, err := fs.ReadFile(fsys, filepath.Join(root, de.Name()))
		if err != nil {
			return nil, err
		}
		sources[strings.TrimSuffix(de.Name(), Ext)] = string(raw)
	}
	return sources, nil
}

// collectFields walks the parse tree and records the first identifier of
// every field reference, so {{.message}} and {{.session.id}} both count
// their top-level name.
func collectFields(t *template.Template) map[string]struct{} {
	fields := make(map[string]struct{})
	if t.Tree != nil && t.Tree.Root != nil {
		walkFields(t.Tree.Root, fields)
	}
	return fields
}

func walkFields(node parse.Node, fields map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkFields(child, fields)
		}
	case *parse.ActionNode:
		walkPipe(n.Pipe, fields)
	case *parse.IfNode:
		walkBranch(&n.BranchNode, fields)
	case *parse.RangeNode:
		walkBranch(&n.BranchNode, fields)
	case *parse.WithNode:
		walkBranch(&n.BranchNode, fields)
	}
}

func walkBranch(b *parse.BranchNode, fields map[string]struct{}) {
	walkPipe(b.Pipe, fields)
	if b.List != nil {
		walkFields(b.List, fields)
	}
	if b.ElseList != nil {
		walkFields(b.ElseList, fields)
	}
}

func walkPipe(pipe *parse.PipeNode, fields map[string]struct{}) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.FieldNode:
				if len(a.Ident) > 0 {
					fields[a.Ident[0]] = struct{}{}
				}
			case *parse.PipeNode:
				walkPipe(a, fields)
			}
		}
	}
}

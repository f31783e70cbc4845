// Package workspace models the packages of a monorepo and discovers them from
// the repo-level workspace globs.
package workspace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Workspace is an immutable snapshot of one package for the duration of a run.
type Workspace struct {
	// Name is the package name declared by the manifest (or the directory name).
	Name string
	// Path is the absolute workspace root.
	Path string
	// RelPath is the slash-separated path relative to the repo root ("." for
	// the root itself). It is the workspace identity folded into fingerprints.
	RelPath string
	// Manifest is the manifest file the metadata came from, if any.
	Manifest string
	// Dependencies lists every declared dependency name, sorted.
	Dependencies []string
	// Scripts maps task name to the manifest-declared command, if the
	// ecosystem has per-package scripts.
	Scripts map[string]string
}

// HasTask reports whether the workspace participates in task. Ecosystems
// without per-package scripts participate in every task.
func (w Workspace) HasTask(task string) bool {
	if len(w.Scripts) == 0 {
		return true
	}
	_, ok := w.Scripts[task]
	return ok
}

// Discoverer supplies the workspace list for a repository.
type Discoverer interface {
	Discover(root string, patterns []string) ([]Workspace, error)
}

// Set is a name-indexed, name-ordered workspace collection.
type Set struct {
	byName map[string]Workspace
	names  []string
}

// NewSet indexes workspaces by name, rejecting duplicates.
func NewSet(list []Workspace) (*Set, error) {
	s := &Set{byName: make(map[string]Workspace, len(list))}
	for _, w := range list {
		if strings.TrimSpace(w.Name) == "" {
			return nil, fmt.Errorf("workspace at %q has no name", w.Path)
		}
		if prev, ok := s.byName[w.Name]; ok {
			return nil, fmt.Errorf("duplicate workspace name %q (%s and %s)", w.Name, prev.RelPath, w.RelPath)
		}
		s.byName[w.Name] = w
		s.names = append(s.names, w.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Get returns the workspace named name.
func (s *Set) Get(name string) (Workspace, bool) {
	w, ok := s.byName[name]
	return w, ok
}

// All returns every workspace in name order.
func (s *Set) All() []Workspace {
	out := make([]Workspace, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

// Len returns the number of workspaces.
func (s *Set) Len() int { return len(s.names) }

// InternalDependencies returns the dependencies of w that are themselves
// workspaces of the set, sorted by name.
func (s *Set) InternalDependencies(w Workspace) []Workspace {
	var out []Workspace
	for _, d := range w.Dependencies {
		if d == w.Name {
			continue
		}
		if dep, ok := s.byName[d]; ok {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select returns the named workspaces in name order. An empty selection means
// every workspace.
func (s *Set) Select(names []string) ([]Workspace, error) {
	if len(names) == 0 {
		return s.All(), nil
	}
	var errs []error
	seen := make(map[string]bool, len(names))
	var out []Workspace
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		w, ok := s.byName[n]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown workspace %q", n))
			continue
		}
		out = append(out, w)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

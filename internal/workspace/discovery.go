package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
)

// FSDiscovery discovers workspaces on the local filesystem.
type FSDiscovery struct{}

var _ Discoverer = FSDiscovery{}

// manifestReaders are consulted in order; the first manifest present in a
// directory describes the workspace.
var manifestReaders = []struct {
	name string
	read func(data []byte, w *Workspace) error
}{
	{"package.json", readPackageJSON},
	{"Cargo.toml", readCargoToml},
	{"pyproject.toml", readPyproject},
	{"go.mod", readGoMod},
}

// Discover expands patterns (doublestar globs relative to root) to workspace
// directories. With no patterns the repo root is the single workspace.
// Directories without a recognized manifest are skipped.
func (FSDiscovery) Discover(root string, patterns []string) ([]Workspace, error) {
	root = filepath.Clean(root)
	if len(patterns) == 0 {
		patterns = []string{"."}
	}

	fsys := os.DirFS(root)
	dirs := make(map[string]struct{})
	for _, p := range patterns {
		p = strings.TrimSuffix(path.Clean(filepath.ToSlash(p)), "/")
		if p == "." {
			dirs["."] = struct{}{}
			continue
		}
		matches, err := doublestar.Glob(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("workspace pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if isIgnoredDir(m) {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil || !info.IsDir() {
				continue
			}
			dirs[m] = struct{}{}
		}
	}

	rels := make([]string, 0, len(dirs))
	for d := range dirs {
		rels = append(rels, d)
	}
	sort.Strings(rels)

	var out []Workspace
	for _, rel := range rels {
		w, ok, err := readWorkspace(root, rel)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w)
		}
	}
	if _, err := NewSet(out); err != nil {
		return nil, err
	}
	return out, nil
}

func isIgnoredDir(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "node_modules", ".git", "target", ".wmonorepo":
			return true
		}
	}
	return false
}

func readWorkspace(root, rel string) (Workspace, bool, error) {
	dir := filepath.Join(root, filepath.FromSlash(rel))
	for _, mr := range manifestReaders {
		data, err := os.ReadFile(filepath.Join(dir, mr.name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Workspace{}, false, fmt.Errorf("read %s/%s: %w", rel, mr.name, err)
		}
		w := Workspace{Path: dir, RelPath: rel, Manifest: mr.name}
		if err := mr.read(data, &w); err != nil {
			return Workspace{}, false, fmt.Errorf("parse %s/%s: %w", rel, mr.name, err)
		}
		if w.Name == "" {
			w.Name = filepath.Base(dir)
		}
		w.Dependencies = sortedUnique(w.Dependencies)
		return w, true, nil
	}
	return Workspace{}, false, nil
}

type packageJSON struct {
	Name                 string            `json:"name"`
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

func readPackageJSON(data []byte, w *Workspace) error {
	var pj packageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	w.Name = pj.Name
	w.Scripts = pj.Scripts
	for _, m := range []map[string]string{pj.Dependencies, pj.DevDependencies, pj.PeerDependencies, pj.OptionalDependencies} {
		for k := range m {
			w.Dependencies = append(w.Dependencies, k)
		}
	}
	return nil
}

type cargoToml struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies    map[string]any `toml:"dependencies"`
	DevDependencies map[string]any `toml:"dev-dependencies"`
}

func readCargoToml(data []byte, w *Workspace) error {
	var ct cargoToml
	if err := toml.Unmarshal(data, &ct); err != nil {
		return err
	}
	w.Name = ct.Package.Name
	for _, m := range []map[string]any{ct.Dependencies, ct.DevDependencies} {
		for k := range m {
			w.Dependencies = append(w.Dependencies, k)
		}
	}
	return nil
}

type pyprojectToml struct {
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

func readPyproject(data []byte, w *Workspace) error {
	var pp pyprojectToml
	if err := toml.Unmarshal(data, &pp); err != nil {
		return err
	}
	w.Name = pp.Project.Name
	for _, req := range pp.Project.Dependencies {
		if name := requirementName(req); name != "" {
			w.Dependencies = append(w.Dependencies, name)
		}
	}
	return nil
}

// requirementName extracts the distribution name from a PEP 508 requirement
// such as "requests[socks]>=2.0; python_version>'3'".
func requirementName(req string) string {
	req = strings.TrimSpace(req)
	end := strings.IndexFunc(req, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	if end >= 0 {
		req = req[:end]
	}
	return req
}

func readGoMod(data []byte, w *Workspace) error {
	mf, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return err
	}
	if mf.Module != nil {
		w.Name = mf.Module.Mod.Path
	}
	for _, r := range mf.Require {
		w.Dependencies = append(w.Dependencies, r.Mod.Path)
	}
	return nil
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

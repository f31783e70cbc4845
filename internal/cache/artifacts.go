package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"wmonorepo/internal/cas"
	"wmonorepo/internal/fsutil"
)

// File is a harvested output file.
type File struct {
	Path    string // slash-separated, relative to the workspace root
	Mode    fs.FileMode
	Content []byte
}

// Harvest collects the files matched by the output globs under dir. A glob
// naming a directory collects every file beneath it. Globs that match nothing
// contribute nothing. The result is sorted by path and duplicate-free.
func Harvest(dir string, outputs []string) ([]File, error) {
	fsys := os.DirFS(dir)
	set := make(map[string]struct{})
	for _, g := range outputs {
		matches, err := doublestar.Glob(fsys, path.Clean(filepath.ToSlash(g)))
		if err != nil {
			return nil, fmt.Errorf("output glob %q: %w", g, err)
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				if info.Mode().IsRegular() {
					set[m] = struct{}{}
				}
				continue
			}
			err = fs.WalkDir(fsys, m, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					set[p] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("collecting files from %q: %w", m, err)
			}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		full := filepath.Join(dir, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("stat artifact %q: %w", p, err)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading artifact %q: %w", p, err)
		}
		files = append(files, File{Path: p, Mode: info.Mode().Perm(), Content: content})
	}
	return files, nil
}

// Restore materializes the bundle's artifacts under dir. Files whose content
// already matches are left untouched. It returns how many files were written.
func (c *Cache) Restore(dir string, b *Bundle) (int, error) {
	restored := 0
	for _, a := range b.Artifacts {
		if !filepath.IsLocal(filepath.FromSlash(a.Path)) {
			return restored, fmt.Errorf("artifact path %q escapes the workspace", a.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(a.Path))

		if existing, err := os.ReadFile(target); err == nil && cas.HashOf(existing) == a.Hash {
			continue
		}
		data, ok := c.store.Get(a.Hash)
		if !ok {
			return restored, fmt.Errorf("artifact %q: blob %s unavailable", a.Path, a.Hash)
		}
		mode := fs.FileMode(a.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := fsutil.WriteFileAtomic(target, data, mode); err != nil {
			return restored, fmt.Errorf("restoring artifact %q: %w", a.Path, err)
		}
		restored++
	}
	return restored, nil
}

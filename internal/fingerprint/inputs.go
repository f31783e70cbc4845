package fingerprint

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/workspace"
)

// ignoredDirs are never walked and never matched by input globs.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".wmonorepo":   true,
}

// Inputs returns the candidate input files of a task, as slash-separated
// paths relative to the repo root, sorted. Explicit input globs are expanded
// against the workspace root; without globs the workspace is walked honoring
// ignore rules. Anything matching an output glob is excluded either way.
func (e *Engine) Inputs(ws workspace.Workspace, cfg pipeline.TaskConfig) ([]string, error) {
	wsRoot := ws.Path
	if wsRoot == "" {
		wsRoot = e.root
	}

	var rels []string
	var err error
	if len(cfg.Inputs) > 0 {
		rels, err = expandGlobs(wsRoot, cfg.Inputs)
	} else {
		rels, err = walkWorkspace(wsRoot, relSlash(e.root, wsRoot), loadIgnore(e.root, wsRoot), e.excluded)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rels))
	out := make([]string, 0, len(rels))
	for _, rel := range rels {
		if matchesAny(cfg.Outputs, rel) {
			continue
		}
		full := relSlash(e.root, filepath.Join(wsRoot, filepath.FromSlash(rel)))
		if e.excluded(full) {
			continue
		}
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		out = append(out, full)
	}
	sort.Strings(out)
	return out, nil
}

// excluded reports whether the repo-relative path lies in an excluded
// directory.
func (e *Engine) excluded(rootRel string) bool {
	for _, dir := range e.exclude {
		if rootRel == dir || strings.HasPrefix(rootRel, dir+"/") {
			return true
		}
	}
	return false
}

func expandGlobs(wsRoot string, globs []string) ([]string, error) {
	fsys := os.DirFS(wsRoot)
	var out []string
	for _, g := range globs {
		matches, err := doublestar.Glob(fsys, path.Clean(filepath.ToSlash(g)))
		if err != nil {
			return nil, fmt.Errorf("input glob %q: %w", g, err)
		}
		for _, m := range matches {
			if underIgnoredDir(m) {
				continue
			}
			info, err := fs.Stat(fsys, m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func walkWorkspace(wsRoot, prefix string, ig ignoreRules, skip func(rootRel string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(wsRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable entries are dropped.
			if d != nil && d.IsDir() && p != wsRoot {
				return fs.SkipDir
			}
			return nil
		}
		if p == wsRoot {
			return nil
		}
		rel := filepath.ToSlash(mustRel(wsRoot, p))
		rootRel := path.Join(prefix, rel)
		if d.IsDir() {
			if ignoredDirs[d.Name()] || skip(rootRel) || ig.match(rootRel, rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ig.match(rootRel, rel, false) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", wsRoot, err)
	}
	return out, nil
}

func mustRel(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return p
	}
	return rel
}

func underIgnoredDir(rel string) bool {
	segs := strings.Split(rel, "/")
	for _, s := range segs[:len(segs)-1] {
		if ignoredDirs[s] {
			return true
		}
	}
	return false
}

// matchesAny reports whether rel matches a glob or lies under a directory a
// glob names ("dist" and "dist/**" both exclude "dist/app.js").
func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		g = strings.TrimSuffix(path.Clean(filepath.ToSlash(g)), "/")
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(g+"/**", rel); ok {
			return true
		}
	}
	return false
}

// ignoreRules is the subset of .gitignore syntax the walker honors: comments,
// blank lines, anchored ("/x", "a/b") and unanchored ("*.log") patterns, and a
// trailing "/" for directory-only patterns. Negation is not supported and
// such lines are skipped. Root rules match repo-relative paths, workspace
// rules match workspace-relative paths.
type ignoreRules []ignoreRule

type ignoreRule struct {
	pattern  string
	dirOnly  bool
	fromRoot bool
}

func loadIgnore(root, wsRoot string) ignoreRules {
	var rules ignoreRules
	dirs := []string{root}
	if filepath.Clean(wsRoot) != filepath.Clean(root) {
		dirs = append(dirs, wsRoot)
	}
	for i, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
		if err != nil {
			continue
		}
		for _, r := range parseIgnore(data) {
			r.fromRoot = i == 0
			rules = append(rules, r)
		}
	}
	return rules
}

func parseIgnore(data []byte) ignoreRules {
	var rules ignoreRules
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		r := ignoreRule{}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.Contains(line, "/") {
			r.pattern = strings.TrimPrefix(line, "/")
		} else {
			r.pattern = "**/" + line
		}
		rules = append(rules, r)
	}
	return rules
}

func (rules ignoreRules) match(rootRel, wsRel string, isDir bool) bool {
	for _, r := range rules {
		if r.dirOnly && !isDir {
			continue
		}
		rel := wsRel
		if r.fromRoot {
			rel = rootRel
		}
		if ok, _ := doublestar.Match(r.pattern, rel); ok {
			return true
		}
	}
	return false
}

type fileDigest struct {
	path string
	sum  [sha256.Size]byte
}

// hashFiles hashes the sorted candidates in parallel. Results arrive in
// completion order and are re-sorted by path before folding. Files that cannot
// be read are dropped.
func (e *Engine) hashFiles(ctx context.Context, paths []string) ([]fileDigest, error) {
	var (
		mu      sync.Mutex
		digests = make([]fileDigest, 0, len(paths))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(p)))
			if err != nil {
				e.logger.Debug("input dropped", zap.String("path", p), zap.Error(err))
				return nil
			}
			d := fileDigest{path: p, sum: sha256.Sum256(data)}
			mu.Lock()
			digests = append(digests, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].path < digests[j].path })
	return digests, nil
}

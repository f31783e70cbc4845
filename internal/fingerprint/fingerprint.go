// Package fingerprint computes the deterministic cache key of a (workspace,
// task) pair.
//
// A fingerprint folds, in order: the task name, the workspace identity, every
// allow-listed environment variable (declared order), each present lockfile,
// the repo-level config file, and finally every input file as (path, content
// digest) in path order. Every field is length-prefixed so that no two distinct
// field sequences produce the same byte stream.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"go.uber.org/zap"

	"wmonorepo/internal/logging"
	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/workspace"
)

// Fingerprint is a lowercase hex SHA-256 digest.
type Fingerprint string

// String returns the hex form.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex characters, for log lines.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Lockfiles is the fixed candidate list, in fold order. Each is looked up at
// the repo root and, for nested workspaces, in the workspace root.
var Lockfiles = []string{
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	"bun.lockb",
	"Cargo.lock",
	"go.sum",
	"uv.lock",
	"poetry.lock",
}

// MandatoryInputError reports a lockfile or repo config that exists but
// cannot be read. It aborts the fingerprint of the affected node.
type MandatoryInputError struct {
	Path string
	Err  error
}

func (e *MandatoryInputError) Error() string {
	return fmt.Sprintf("read mandatory input %s: %v", e.Path, e.Err)
}

func (e *MandatoryInputError) Unwrap() error { return e.Err }

// Engine computes fingerprints for workspaces of one repository.
type Engine struct {
	root        string
	exclude     []string
	lookupEnv   func(string) (string, bool)
	parallelism int
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnv replaces os.LookupEnv as the environment source.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(e *Engine) { e.lookupEnv = lookup }
}

// WithParallelism bounds the number of files hashed concurrently.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithExclude keeps the given directories, typically the cache directory, out
// of every input set. Directories outside the repository root are ignored.
func WithExclude(dirs ...string) Option {
	return func(e *Engine) {
		for _, d := range dirs {
			if !filepath.IsAbs(d) {
				d = filepath.Join(e.root, d)
			}
			rel, err := filepath.Rel(e.root, d)
			if err != nil || !filepath.IsLocal(rel) || rel == "." {
				continue
			}
			e.exclude = append(e.exclude, filepath.ToSlash(rel))
		}
	}
}

// WithLogger sets the logger used for dropped-input diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// New returns an Engine rooted at the repository root.
func New(root string, opts ...Option) *Engine {
	e := &Engine{
		root:        filepath.Clean(root),
		lookupEnv:   os.LookupEnv,
		parallelism: runtime.NumCPU(),
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Root returns the repository root.
func (e *Engine) Root() string { return e.root }

// Compute returns the fingerprint of task in ws under cfg.
func (e *Engine) Compute(ctx context.Context, ws workspace.Workspace, task string, cfg pipeline.TaskConfig) (Fingerprint, error) {
	h := newFolder()

	h.field([]byte(task))
	h.field([]byte(ws.RelPath))

	h.count(len(cfg.Env))
	for _, key := range cfg.Env {
		val, _ := e.lookupEnv(key)
		h.field([]byte(key))
		h.field([]byte(val))
	}

	for _, name := range Lockfiles {
		for _, dir := range e.lockfileDirs(ws) {
			if err := h.optionalFile(e.root, filepath.Join(dir, name)); err != nil {
				return "", err
			}
		}
	}
	if err := h.optionalFile(e.root, filepath.Join(e.root, pipeline.ConfigFileName)); err != nil {
		return "", err
	}

	candidates, err := e.Inputs(ws, cfg)
	if err != nil {
		return "", err
	}
	digests, err := e.hashFiles(ctx, candidates)
	if err != nil {
		return "", err
	}
	h.count(len(digests))
	for _, d := range digests {
		h.field([]byte(d.path))
		h.field(d.sum[:])
	}

	fp := h.sum()
	e.logger.Debug("fingerprint computed",
		zap.String("workspace", ws.Name),
		zap.String("task", task),
		zap.Int("inputs", len(digests)),
		zap.String("hash", fp.Short()))
	return fp, nil
}

// Target is one (workspace, task) pair whose fingerprint takes part in a
// fold.
type Target struct {
	Workspace workspace.Workspace
	Task      string
	Config    pipeline.TaskConfig
}

// Combined folds, in workspace-name order, the fingerprint of task in every
// workspace that has it. Workspaces may be given in any order.
func (e *Engine) Combined(ctx context.Context, wss []workspace.Workspace, task string, cfg pipeline.TaskConfig) (Fingerprint, error) {
	targets := make([]Target, 0, len(wss))
	for _, ws := range wss {
		if ws.HasTask(task) {
			targets = append(targets, Target{Workspace: ws, Task: task, Config: cfg})
		}
	}
	return e.Fold(ctx, targets)
}

// Fold combines the fingerprints of targets, ordered by workspace name and
// then task, into one value that changes whenever any of them does.
func (e *Engine) Fold(ctx context.Context, targets []Target) (Fingerprint, error) {
	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Workspace.Name != sorted[j].Workspace.Name {
			return sorted[i].Workspace.Name < sorted[j].Workspace.Name
		}
		return sorted[i].Task < sorted[j].Task
	})

	h := newFolder()
	h.count(len(sorted))
	for _, t := range sorted {
		fp, err := e.Compute(ctx, t.Workspace, t.Task, t.Config)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s#%s: %w", t.Workspace.Name, t.Task, err)
		}
		h.field([]byte(t.Workspace.Name))
		h.field([]byte(t.Task))
		h.field([]byte(fp))
	}
	return h.sum(), nil
}

func (e *Engine) lockfileDirs(ws workspace.Workspace) []string {
	if ws.Path == "" || filepath.Clean(ws.Path) == e.root {
		return []string{e.root}
	}
	return []string{e.root, ws.Path}
}

// folder writes length-prefixed fields into a SHA-256 state.
type folder struct {
	h   hash.Hash
	buf [8]byte
}

func newFolder() *folder { return &folder{h: sha256.New()} }

func (f *folder) field(data []byte) {
	binary.BigEndian.PutUint64(f.buf[:], uint64(len(data)))
	f.h.Write(f.buf[:])
	f.h.Write(data)
}

func (f *folder) count(n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	f.field(b[:])
}

// optionalFile folds (name, bytes) of path when it exists. A file that exists
// but cannot be read is a MandatoryInputError.
func (f *folder) optionalFile(root, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &MandatoryInputError{Path: relSlash(root, path), Err: err}
	}
	f.field([]byte(relSlash(root, path)))
	f.field(data)
	return nil
}

func (f *folder) sum() Fingerprint {
	return Fingerprint(hex.EncodeToString(f.h.Sum(nil)))
}

func relSlash(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

package watch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"wmonorepo/internal/logging"
)

// EventSource yields changed paths. Next blocks until a change, ctx is done,
// or the source is closed (io.EOF).
type EventSource interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	".wmonorepo":   true,
}

// NativeSource subscribes to every directory under the given roots and
// follows directories created later. Directories in exclude are neither
// subscribed to nor reported.
type NativeSource struct {
	w       *fsnotify.Watcher
	roots   []string
	exclude []string
	logger  *zap.Logger
}

func NewNativeSource(roots, exclude []string, logger *zap.Logger) (*NativeSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	s := &NativeSource{w: w, roots: roots, logger: logging.OrNop(logger)}
	for _, dir := range exclude {
		s.exclude = append(s.exclude, filepath.Clean(dir))
	}
	for _, root := range roots {
		if err := s.addTree(root); err != nil {
			w.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *NativeSource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watch %s: %w", root, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (skipDirs[d.Name()] || s.excluded(path)) {
			return filepath.SkipDir
		}
		if err := s.w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (s *NativeSource) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-s.w.Events:
			if !ok {
				return "", io.EOF
			}
			if s.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addTree(ev.Name); err != nil {
						s.logger.Warn("watching new directory failed", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			return ev.Name, nil
		case err, ok := <-s.w.Errors:
			if !ok {
				return "", io.EOF
			}
			s.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (s *NativeSource) Close() error { return s.w.Close() }

// ignored reports whether path lies in a skipped or excluded directory below
// one of the watched roots.
func (s *NativeSource) ignored(path string) bool {
	if s.excluded(path) {
		return true
	}
	for _, root := range s.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			if skipDirs[part] {
				return true
			}
		}
		return false
	}
	return false
}

func (s *NativeSource) excluded(path string) bool {
	for _, dir := range s.exclude {
		rel, err := filepath.Rel(dir, path)
		if err == nil && filepath.IsLocal(rel) {
			return true
		}
	}
	return false
}

// dropOldest is a bounded FIFO: when full, pushing evicts the oldest entry
// so the newest events always get through.
type dropOldest struct {
	mu sync.Mutex
	ch chan string
}

func newDropOldest(size int) *dropOldest {
	return &dropOldest{ch: make(chan string, size)}
}

// push never blocks. It reports whether an older event was discarded.
func (q *dropOldest) push(v string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	for {
		select {
		case q.ch <- v:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

func (q *dropOldest) events() <-chan string { return q.ch }

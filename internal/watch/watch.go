// Package watch re-runs a task whenever the combined fingerprint of its
// workspaces changes, either by polling or by subscribing to filesystem
// events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wmonorepo/internal/fingerprint"
	"wmonorepo/internal/logging"
	"wmonorepo/internal/metrics"
)

// Mode selects how changes are noticed.
type Mode string

const (
	ModeNative Mode = "native"
	ModePoll   Mode = "poll"
)

var ErrInvalidMode = errors.New("invalid watch mode")

// ParseMode accepts exactly "native" or "poll".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNative, ModePoll:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w %q: must be %q or %q", ErrInvalidMode, s, ModeNative, ModePoll)
	}
}

const (
	DefaultInterval  = time.Second
	DefaultDebounce  = 200 * time.Millisecond
	DefaultQueueSize = 256
)

// Options configures a Watcher. Fingerprint and Trigger are required.
type Options struct {
	Mode     Mode
	Interval time.Duration
	Debounce time.Duration

	// Roots are the directories subscribed to in native mode.
	Roots []string
	// Exclude lists directories below Roots whose events are ignored, such
	// as the cache directory.
	Exclude []string
	// Source overrides the filesystem subscription in native mode.
	Source EventSource
	// QueueSize bounds buffered events; the oldest are dropped when full.
	QueueSize int

	Fingerprint func(ctx context.Context) (fingerprint.Fingerprint, error)
	Trigger     func(ctx context.Context) error

	Out     io.Writer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Watcher owns the watch loop. Run it once.
type Watcher struct {
	opts   Options
	logger *zap.Logger
	last   fingerprint.Fingerprint
}

func New(opts Options) (*Watcher, error) {
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Fingerprint == nil || opts.Trigger == nil {
		return nil, errors.New("watch: fingerprint and trigger functions are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Watcher{opts: opts, logger: logging.OrNop(opts.Logger)}, nil
}

// Run triggers once, then watches until ctx is cancelled. The baseline
// fingerprint is taken after the first run so files it rewrites do not count
// as a change. Trigger errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	w.trigger(ctx)
	fp, err := w.opts.Fingerprint(ctx)
	if err != nil {
		w.logger.Warn("initial fingerprint failed", zap.Error(err))
	}
	w.last = fp

	if w.opts.Mode == ModePoll {
		return w.poll(ctx)
	}

	src := w.opts.Source
	if src == nil {
		src, err = NewNativeSource(w.opts.Roots, w.opts.Exclude, w.logger)
		if err != nil {
			return err
		}
	}
	defer src.Close()
	return w.native(ctx, src)
}

func (w *Watcher) poll(ctx context.Context) error {
	w.logger.Info("watching", zap.String("mode", string(ModePoll)), zap.Duration("interval", w.opts.Interval))
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) native(ctx context.Context, src EventSource) error {
	w.logger.Info("watching",
		zap.String("mode", string(ModeNative)),
		zap.Int("roots", len(w.opts.Roots)),
		zap.Duration("debounce", w.opts.Debounce))

	q := newDropOldest(w.opts.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			path, err := src.Next(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if dropped := q.push(path); dropped {
				w.logger.Debug("watch queue full, dropped oldest event")
			}
		}
	})
	g.Go(func() error {
		w.debounce(gctx, q.events())
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// debounce opens a window on the first event and extends it on every further
// event; when the window elapses quietly the fingerprint is rechecked.
func (w *Watcher) debounce(ctx context.Context, in <-chan string) {
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-in:
			w.logger.Debug("file event", zap.String("path", path))
			pending = true
			timer.Reset(w.opts.Debounce)
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.check(ctx)
		}
	}
}

// check recomputes the fingerprint and re-runs on change.
func (w *Watcher) check(ctx context.Context) {
	fp, err := w.opts.Fingerprint(ctx)
	if err != nil {
		w.logger.Warn("fingerprint failed", zap.Error(err))
		return
	}
	if fp == w.last {
		return
	}
	w.last = fp
	fmt.Fprintln(w.opts.Out, "change detected")
	w.opts.Metrics.IncWatchRerun()
	w.trigger(ctx)
}

func (w *Watcher) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.opts.Trigger(ctx); err != nil {
		w.logger.Warn("run failed", zap.Error(err))
	}
}

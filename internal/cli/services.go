package cli

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"wmonorepo/internal/cache"
	"wmonorepo/internal/cas"
	"wmonorepo/internal/distributed"
	"wmonorepo/internal/fingerprint"
	"wmonorepo/internal/metrics"
	"wmonorepo/internal/plugin"
	"wmonorepo/internal/remotecache"
	"wmonorepo/internal/resolver"
	"wmonorepo/internal/runner"
	"wmonorepo/internal/runstate"
	"wmonorepo/internal/scheduler"
	"wmonorepo/internal/workspace"
)

// services holds the long-lived collaborators of one process. The notifier,
// coordinator and stores are shared by every run.
type services struct {
	set      *workspace.Set
	engine   *fingerprint.Engine
	store    *cas.Store
	cache    *cache.Cache
	runs     *runstate.Store
	metrics  *metrics.Metrics
	executor *scheduler.Executor

	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *app) discover() (*workspace.Set, error) {
	list, err := workspace.FSDiscovery{}.Discover(a.root, a.repo.Workspaces)
	if err != nil {
		return nil, configErrorf("discover workspaces: %v", err)
	}
	set, err := workspace.NewSet(list)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	return set, nil
}

func (a *app) openStore(m *metrics.Metrics) (*cas.Store, error) {
	store, err := cas.Open(a.settings.CachePath(a.root), cas.WithLogger(a.logger), cas.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}

// services wires everything a run needs from the loaded settings.
func (a *app) services() (*services, error) {
	set, err := a.discover()
	if err != nil {
		return nil, err
	}
	m := metrics.Default()
	store, err := a.openStore(m)
	if err != nil {
		return nil, err
	}
	runs, err := runstate.NewStore(a.settings.CachePath(a.root))
	if err != nil {
		return nil, err
	}

	s := &services{
		set:     set,
		engine:  fingerprint.New(a.root, fingerprint.WithLogger(a.logger), fingerprint.WithExclude(a.settings.CachePath(a.root))),
		store:   store,
		cache:   cache.New(store, a.logger),
		runs:    runs,
		metrics: m,
	}

	commands := resolver.New(a.root)
	shell := runner.NewShellRunner(commands, a.logger)
	a.logger.Debug("workspaces discovered",
		zap.Int("count", set.Len()),
		zap.String("package_manager", string(commands.PackageManager())))

	opts := scheduler.Options{
		Fingerprints:    s.engine,
		Cache:           s.cache,
		Runner:          shell,
		Sink:            plugin.NewNotifier(a.settings.Plugins, a.root, a.logger),
		Runs:            runs,
		Metrics:         m,
		Logger:          a.logger,
		Concurrency:     a.settings.Concurrency,
		ContinueOnError: a.settings.ContinueOnError,
	}

	if addr := a.settings.RemoteCache.Addr; addr != "" {
		remote, err := remotecache.NewValkey(addr, a.logger)
		if err != nil {
			a.logger.Warn("remote cache unavailable, continuing without it", zap.String("addr", addr), zap.Error(err))
		} else {
			opts.Remote = remote
			s.closers = append(s.closers, remote.Close)
		}
	}

	if a.settings.Distributed.Enabled {
		coord := distributed.NewCoordinator(a.logger)
		host := runtime.GOOS + "/" + runtime.GOARCH
		if err := distributed.RegisterLocalWorkers(coord, a.settings.Concurrency, host); err != nil {
			s.Close()
			return nil, err
		}
		opts.Coordinator = coord
		opts.Transport = distributed.LocalTransport{Runner: shell}
		opts.Platform = a.settings.Distributed.Platform
	}

	s.executor, err = scheduler.New(opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

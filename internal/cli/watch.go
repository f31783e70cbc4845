package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wmonorepo/internal/fingerprint"
	"wmonorepo/internal/scheduler"
	"wmonorepo/internal/watch"
)

type watchFlags struct {
	mode        string
	interval    time.Duration
	debounce    time.Duration
	metricsAddr string
	filters     []string
}

func newWatchCmd(a *app) *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch <task>",
		Short: "Run a task, then re-run it whenever its inputs change",
		Long: `Run a task once, then watch the repository and re-run it when the combined
fingerprint of the selected workspaces changes. Bursts of file events are
coalesced into a single re-run.

Examples:
  wmonorepo watch build
  wmonorepo watch test --mode poll --interval 2s
  wmonorepo watch build --metrics-addr :9464`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", "", "Change detection: native|poll (overrides settings.watch.mode)")
	fl.DurationVar(&f.interval, "interval", 0, "Poll interval (overrides settings.watch.interval)")
	fl.DurationVar(&f.debounce, "debounce", 0, "Quiet period before a re-run (overrides settings.watch.debounce)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides settings.metrics.addr)")
	fl.StringSliceVarP(&f.filters, "filter", "F", nil, "Only watch these workspaces (and what they depend on)")
	return cmd
}

func (a *app) watch(cmd *cobra.Command, task string, f watchFlags) error {
	s := a.settings
	flags := cmd.Flags()
	if flags.Changed("mode") {
		s.Watch.Mode = f.mode
	}
	if flags.Changed("interval") {
		s.Watch.Interval = f.interval
	}
	if flags.Changed("debounce") {
		s.Watch.Debounce = f.debounce
	}
	if flags.Changed("metrics-addr") {
		s.Metrics.Addr = f.metricsAddr
	}
	mode, err := watch.ParseMode(s.Watch.Mode)
	if err != nil {
		return err
	}

	svc, err := a.services()
	if err != nil {
		return err
	}
	defer svc.Close()
	selected, err := selectWorkspaces(svc.set, f.filters)
	if err != nil {
		return err
	}
	g, err := scheduler.Plan(scheduler.Request{
		Task:       task,
		Set:        svc.set,
		Workspaces: selected,
		Pipeline:   a.repo.Pipeline,
	})
	if err != nil {
		return err
	}
	targets := make([]fingerprint.Target, 0, g.Len())
	for _, n := range g.Nodes() {
		targets = append(targets, fingerprint.Target{Workspace: n.Workspace, Task: n.Task, Config: n.Config})
	}

	ctx := cmd.Context()
	if s.Metrics.Addr != "" {
		stop, err := a.serveMetrics(s.Metrics.Addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	w, err := watch.New(watch.Options{
		Mode:     mode,
		Interval: s.Watch.Interval,
		Debounce: s.Watch.Debounce,
		Roots:    []string{a.root},
		Exclude:  []string{s.CachePath(a.root)},
		Fingerprint: func(ctx context.Context) (fingerprint.Fingerprint, error) {
			return svc.engine.Fold(ctx, targets)
		},
		Trigger: func(ctx context.Context) error {
			_, err := a.runOnce(ctx, svc, task, selected)
			return err
		},
		Out:     a.stdout,
		Metrics: svc.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// serveMetrics exposes the default Prometheus registry until stop is called.
func (a *app) serveMetrics(addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, invalidInvocationf("metrics listener on %s: %v", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}

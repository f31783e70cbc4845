// Package cli implements the wmonorepo command line: run, watch, graph,
// cache and runs.
package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wmonorepo/internal/config"
	"wmonorepo/internal/logging"
	"wmonorepo/internal/pipeline"
)

// CLIResult is what a finished invocation reports to main.
type CLIResult struct {
	ExitCode int
}

// Run executes one invocation with args (excluding argv[0]).
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	if _, _, err := root.Find(args); err != nil {
		err = invalidInvocationf("%v", err)
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	err := root.ExecuteContext(ctx)
	return CLIResult{ExitCode: ExitCode(err)}, err
}

type rootFlags struct {
	root            string
	cacheDir        string
	concurrency     int
	continueOnError bool
	logLevel        string
	logFormat       string
}

// app is the state shared by every subcommand once the repo is loaded.
type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  rootFlags

	root     string
	repo     *pipeline.RepoConfig
	settings *config.Settings
	logger   *zap.Logger
}

// NewRootCommand builds the command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "wmonorepo",
		Short: "Incremental task runner for monorepo workspaces",
		Long: `wmonorepo runs a task across the workspaces of a monorepo in dependency
order, skipping work whose inputs have not changed since a cached run.`,
		Example: `  # Build every workspace, dependencies first
  wmonorepo run build

  # Build one workspace and whatever it depends on
  wmonorepo run build --filter web

  # Rebuild on every change
  wmonorepo watch build --mode poll`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.root, "root", ".", "Repository root containing wmonorepo.yaml")
	pf.StringVar(&a.flags.cacheDir, "cache-dir", "", "Cache directory (overrides settings.cache_dir)")
	pf.IntVarP(&a.flags.concurrency, "concurrency", "j", 0, "Maximum tasks running at once (overrides settings.concurrency)")
	pf.BoolVar(&a.flags.continueOnError, "continue-on-error", false, "Keep running unrelated tasks after a failure")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "Log format: console|json")

	root.AddCommand(
		newRunCmd(a),
		newWatchCmd(a),
		newGraphCmd(a),
		newCacheCmd(a),
		newRunsCmd(a),
	)
	return root
}

// load reads wmonorepo.yaml, resolves settings and applies flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	root, err := filepath.Abs(a.flags.root)
	if err != nil {
		return invalidInvocationf("resolve --root: %v", err)
	}
	a.root = root

	repo, _, err := pipeline.Load(root)
	if err != nil {
		return configErrorf("%v", err)
	}
	a.repo = repo

	settings, err := config.Load(repo.Settings)
	if err != nil {
		return configErrorf("settings: %v", err)
	}
	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		settings.CacheDir = a.flags.cacheDir
	}
	if flags.Changed("concurrency") {
		settings.Concurrency = a.flags.concurrency
	}
	if flags.Changed("continue-on-error") {
		settings.ContinueOnError = a.flags.continueOnError
	}
	if flags.Changed("log-level") {
		settings.Log.Level = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		settings.Log.Format = a.flags.logFormat
	}
	if err := settings.Validate(); err != nil {
		return invalidInvocationf("%v", err)
	}
	a.settings = settings

	logger, err := logging.New(settings.Log.Level, settings.Log.Format)
	if err != nil {
		return invalidInvocationf("%v", err)
	}
	a.logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

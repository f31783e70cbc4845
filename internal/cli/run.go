package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"wmonorepo/internal/scheduler"
	"wmonorepo/internal/workspace"
)

func newRunCmd(a *app) *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task in every selected workspace, dependencies first",
		Long: `Run a task across workspaces in dependency order. Results whose inputs
are unchanged are restored from the cache instead of being rebuilt.

Examples:
  wmonorepo run build
  wmonorepo run test --filter api --filter web`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services()
			if err != nil {
				return err
			}
			defer svc.Close()
			selected, err := selectWorkspaces(svc.set, filters)
			if err != nil {
				return err
			}
			_, err = a.runOnce(cmd.Context(), svc, args[0], selected)
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&filters, "filter", "F", nil, "Only run in these workspaces (and what they depend on)")
	return cmd
}

func selectWorkspaces(set *workspace.Set, names []string) ([]workspace.Workspace, error) {
	if len(names) == 0 {
		return nil, nil
	}
	selected, err := set.Select(names)
	if err != nil {
		return nil, invalidInvocationf("--filter: %v", err)
	}
	return selected, nil
}

// runOnce executes task once and prints per-node output and a summary.
func (a *app) runOnce(ctx context.Context, svc *services, task string, selected []workspace.Workspace) (*scheduler.RunResult, error) {
	res, err := svc.executor.Run(ctx, scheduler.Request{
		Task:       task,
		Set:        svc.set,
		Workspaces: selected,
		Pipeline:   a.repo.Pipeline,
	})
	if res != nil {
		a.report(res)
	}
	return res, err
}

func (a *app) report(res *scheduler.RunResult) {
	for _, id := range res.Order {
		n, ok := res.Nodes[id]
		if !ok {
			continue
		}
		switch n.State {
		case scheduler.TaskSkipped:
			a.printf("%s: skipped\n", id)
			continue
		case scheduler.TaskCached:
			a.printf("%s: cache hit (%s), replaying output\n", id, n.CacheSource)
		case scheduler.TaskFailed:
			if n.Err != nil {
				a.printf("%s: failed: %v\n", id, n.Err)
			} else {
				a.printf("%s: failed with exit code %d\n", id, n.ExitCode)
			}
		default:
			a.printf("%s: done in %s\n", id, n.Duration.Round(time.Millisecond))
		}
		prefixLines(a.stdout, string(id), n.Stdout)
		prefixLines(a.stderr, string(id), n.Stderr)
	}

	st := res.FinalState
	if st == nil {
		return
	}
	a.printf("\nTasks:   %d successful, %d total\n", st.Count(scheduler.TaskCompleted)+st.Count(scheduler.TaskCached), len(st))
	a.printf("Cached:  %d cached, %d total\n", st.Count(scheduler.TaskCached), len(st))
	if failed := st.Count(scheduler.TaskFailed); failed > 0 {
		a.printf("Failed:  %d failed, %d skipped\n", failed, st.Count(scheduler.TaskSkipped))
	}
}

func prefixLines(w io.Writer, prefix string, data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		fmt.Fprintf(w, "%s: %s\n", prefix, sc.Text())
	}
}

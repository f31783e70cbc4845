package cli

import (
	"time"

	"github.com/spf13/cobra"

	"wmonorepo/internal/runstate"
)

func newRunsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one of them",
		Long: `Without an argument, list every recorded run oldest first. With a run ID,
print its summary and, if it failed, the recorded failure.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := runstate.NewStore(a.settings.CachePath(a.root))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return a.showRun(runs, args[0])
			}
			ids, err := runs.ListRunIDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				run, err := runs.LoadRun(id)
				if err != nil {
					a.printf("%s  (unreadable: %v)\n", id, err)
					continue
				}
				a.printf("%s  %-10s %-10s %s\n", run.RunID, run.Task, run.Phase, run.StartTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) showRun(runs *runstate.Store, id string) error {
	run, err := runs.LoadRun(id)
	if err != nil {
		return invalidInvocationf("run %s: %v", id, err)
	}
	a.printf("run:        %s\n", run.RunID)
	a.printf("task:       %s\n", run.Task)
	a.printf("phase:      %s\n", run.Phase)
	a.printf("graph:      %s\n", run.GraphHash)
	a.printf("started:    %s\n", run.StartTime.Format(time.RFC3339))
	if run.EndTime != nil {
		a.printf("finished:   %s\n", run.EndTime.Format(time.RFC3339))
	}
	a.printf("nodes:      %d (%d completed, %d cached, %d failed, %d skipped)\n",
		run.Nodes, run.Completed, run.CacheHits, run.Failed, run.Skipped)

	failure, ok, err := runs.LoadFailure(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	a.printf("failure:    %s %s\n", failure.FailureClass, failure.ErrorCode)
	if failure.NodeID != nil {
		a.printf("node:       %s\n", *failure.NodeID)
	}
	a.printf("message:    %s\n", failure.ErrorMessage)
	return nil
}

package distributed

import (
	"context"
	"fmt"

	"wmonorepo/internal/runner"
	"wmonorepo/internal/workspace"
)

// LocalTransport executes tasks in-process with a TaskRunner, standing in for
// a networked worker pool.
type LocalTransport struct {
	Runner runner.TaskRunner
}

func (t LocalTransport) Execute(ctx context.Context, w Worker, task BuildTask) (TaskResult, error) {
	if t.Runner == nil {
		return TaskResult{}, fmt.Errorf("local transport: nil runner")
	}
	ws := workspace.Workspace{Name: task.Workspace, Path: task.Dir}
	res, err := t.Runner.Run(ctx, ws, task.Task)
	if err != nil {
		return TaskResult{WorkerID: w.ID, Err: err.Error()}, err
	}
	return TaskResult{
		WorkerID: w.ID,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

// LocalAddress is the address every in-process worker reports.
const LocalAddress = "local"

// RegisterLocalWorkers adds n workers named local-0..local-(n-1) on platform.
func RegisterLocalWorkers(c *Coordinator, n int, platform string) error {
	for i := 0; i < n; i++ {
		w := Worker{ID: fmt.Sprintf("local-%d", i), Address: LocalAddress, Platform: platform}
		if err := c.RegisterWorker(w); err != nil {
			return err
		}
	}
	return nil
}

// Package runner executes one task in one workspace and captures its result.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"wmonorepo/internal/logging"
	"wmonorepo/internal/workspace"
)

// Result is the captured outcome of a task process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Succeeded reports a zero exit code.
func (r *Result) Succeeded() bool { return r != nil && r.ExitCode == 0 }

// TaskRunner runs a task. A non-zero exit is a Result, not an error; errors
// mean the task could not be run at all.
type TaskRunner interface {
	Run(ctx context.Context, ws workspace.Workspace, task string) (*Result, error)
}

// Func adapts a function to TaskRunner.
type Func func(ctx context.Context, ws workspace.Workspace, task string) (*Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, ws workspace.Workspace, task string) (*Result, error) {
	return f(ctx, ws, task)
}

// CommandResolver turns (workspace dir, task) into a shell command.
type CommandResolver interface {
	Resolve(dir, task string) (string, error)
}

// ShellRunner runs resolved commands with sh -c in the workspace directory.
type ShellRunner struct {
	commands CommandResolver
	logger   *zap.Logger
}

// NewShellRunner returns a runner that resolves commands with commands.
func NewShellRunner(commands CommandResolver, logger *zap.Logger) *ShellRunner {
	return &ShellRunner{commands: commands, logger: logging.OrNop(logger)}
}

// Run executes the task. The process inherits the host environment plus
// WMONOREPO_WORKSPACE and WMONOREPO_TASK. Cancellation kills the whole
// process group.
func (r *ShellRunner) Run(ctx context.Context, ws workspace.Workspace, task string) (*Result, error) {
	command, err := r.commands.Resolve(ws.Path, task)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("running task",
		zap.String("workspace", ws.Name),
		zap.String("task", task),
		zap.String("command", command))

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = ws.Path
	cmd.Env = append(os.Environ(),
		"WMONOREPO_WORKSPACE="+ws.Name,
		"WMONOREPO_TASK="+task,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

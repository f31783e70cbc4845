package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmonorepo/internal/workspace"
)

type fixedCommand string

func (c fixedCommand) Resolve(string, string) (string, error) { return string(c), nil }

type failingResolver struct{}

func (failingResolver) Resolve(string, string) (string, error) { return "", errors.New("no command") }

func TestShellRunner_CapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	r := NewShellRunner(fixedCommand(`echo out; echo err >&2; exit 3`), nil)

	res, err := r.Run(context.Background(), workspace.Workspace{Name: "web", Path: dir}, "build")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestShellRunner_RunsInWorkspaceWithTaskEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewShellRunner(fixedCommand(`echo "$WMONOREPO_WORKSPACE:$WMONOREPO_TASK" > marker`), nil)

	res, err := r.Run(context.Background(), workspace.Workspace{Name: "ui", Path: dir}, "build")
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "ui:build\n", string(data))
}

func TestShellRunner_InheritsHostEnv(t *testing.T) {
	t.Setenv("WMONOREPO_TEST_HOST_VAR", "visible")
	r := NewShellRunner(fixedCommand(`printf %s "$WMONOREPO_TEST_HOST_VAR"`), nil)

	res, err := r.Run(context.Background(), workspace.Workspace{Name: "x", Path: t.TempDir()}, "t")
	require.NoError(t, err)
	assert.Equal(t, "visible", string(res.Stdout))
}

func TestShellRunner_CancelKillsProcess(t *testing.T) {
	r := NewShellRunner(fixedCommand(`sleep 30`), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, workspace.Workspace{Name: "x", Path: t.TempDir()}, "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellRunner_ResolveError(t *testing.T) {
	r := NewShellRunner(failingResolver{}, nil)
	_, err := r.Run(context.Background(), workspace.Workspace{Name: "x", Path: t.TempDir()}, "t")
	require.Error(t, err)
}

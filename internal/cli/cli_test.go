package cli_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wmonorepo/internal/cli"
	"wmonorepo/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const repoConfig = `workspaces:
  - packages/*
pipeline:
  build:
    dependsOn: ["^build"]
    outputs: ["dist"]
settings:
  concurrency: 2
  log:
    level: error
`

// fakeNPM stands in for "npm run <task>": it records the workspace it ran in,
// fails when a "fail" marker exists and otherwise writes dist/out.txt.
const fakeNPM = `#!/bin/sh
echo "$WMONOREPO_WORKSPACE" >> "$CALLS_LOG"
if [ -f fail ]; then
  echo "boom" >&2
  exit 3
fi
mkdir -p dist
echo "built $WMONOREPO_WORKSPACE" > dist/out.txt
echo "built $WMONOREPO_WORKSPACE"
`

type repo struct {
	root  string
	calls string
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newRepo creates packages a and b (b depends on a) and puts a fake npm first
// on PATH.
func newRepo(t *testing.T) *repo {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "wmonorepo.yaml"), repoConfig)
	writeFile(t, filepath.Join(root, "packages", "a", "package.json"),
		`{"name": "a", "scripts": {"build": "x"}}`)
	writeFile(t, filepath.Join(root, "packages", "a", "src", "index.js"), "module.exports = 1\n")
	writeFile(t, filepath.Join(root, "packages", "b", "package.json"),
		`{"name": "b", "scripts": {"build": "x"}, "dependencies": {"a": "*"}}`)
	writeFile(t, filepath.Join(root, "packages", "b", "src", "index.js"), "require('a')\n")

	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "npm"), []byte(fakeNPM), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	calls := filepath.Join(t.TempDir(), "calls.log")
	t.Setenv("CALLS_LOG", calls)

	return &repo{root: root, calls: calls}
}

func (r *repo) run(t *testing.T, args ...string) (cli.CLIResult, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res, err := cli.Run(context.Background(), append([]string{"--root", r.root}, args...), &stdout, &stderr)
	return res, stdout.String(), err
}

func (r *repo) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(r.calls)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestRun_BuildsDependenciesFirstThenReplaysFromCache(t *testing.T) {
	r := newRepo(t)

	res, out, err := r.run(t, "run", "build")
	require.NoError(t, err)
	assert.Equal(t, cli.ExitSuccess, res.ExitCode)
	assert.Equal(t, []string{"a", "b"}, r.invocations(t))
	assert.Contains(t, out, "a#build: built a")
	assert.Contains(t, out, "Cached:  0 cached, 2 total")

	require.NoError(t, os.RemoveAll(filepath.Join(r.root, "packages", "b", "dist")))

	res, out, err = r.run(t, "run", "build")
	require.NoError(t, err)
	assert.Equal(t, cli.ExitSuccess, res.ExitCode)
	assert.Equal(t, []string{"a", "b"}, r.invocations(t), "second run must not invoke npm")
	assert.Contains(t, out, "b#build: cache hit (local), replaying output")
	assert.Contains(t, out, "b#build: built b")
	assert.Contains(t, out, "Cached:  2 cached, 2 total")

	restored, err := os.ReadFile(filepath.Join(r.root, "packages", "b", "dist", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built b\n", string(restored))
}

func TestRun_InputChangeRebuildsOnlyThatWorkspace(t *testing.T) {
	r := newRepo(t)
	_, _, err := r.run(t, "run", "build")
	require.NoError(t, err)

	writeFile(t, filepath.Join(r.root, "packages", "b", "src", "index.js"), "require('a') // changed\n")
	_, out, err := r.run(t, "run", "build")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "b"}, r.invocations(t))
	assert.Contains(t, out, "a#build: cache hit (local)")
	assert.Contains(t, out, "Cached:  1 cached, 2 total")
}

func TestRun_FilterSelectsWorkspaceAndDependencies(t *testing.T) {
	r := newRepo(t)

	_, _, err := r.run(t, "run", "build", "--filter", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, r.invocations(t))
}

func TestRun_TaskFailureSkipsDependentsAndExitsOne(t *testing.T) {
	r := newRepo(t)
	writeFile(t, filepath.Join(r.root, "packages", "a", "fail"), "")

	res, out, err := r.run(t, "run", "build")
	require.Error(t, err)
	assert.Equal(t, cli.ExitTaskFailure, res.ExitCode)

	var failed *scheduler.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, []string{"a"}, r.invocations(t))
	assert.Contains(t, out, "a#build: failed with exit code 3")
	assert.Contains(t, out, "b#build: skipped")
	assert.Contains(t, out, "Failed:  1 failed, 1 skipped")
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name   string
		config string
		args   []string
		want   int
	}{
		{name: "unknown command", args: []string{"deploy"}, want: cli.ExitInvalidInvocation},
		{name: "unknown flag", args: []string{"run", "build", "--nope"}, want: cli.ExitInvalidInvocation},
		{name: "missing task", args: []string{"run"}, want: cli.ExitInvalidInvocation},
		{name: "bad concurrency flag", args: []string{"run", "build", "-j", "0"}, want: cli.ExitInvalidInvocation},
		{name: "unknown filter", args: []string{"run", "build", "--filter", "nope"}, want: cli.ExitInvalidInvocation},
		{name: "bad watch mode", args: []string{"watch", "build", "--mode", "inotify"}, want: cli.ExitInvalidInvocation},
		{name: "unknown run id", args: []string{"runs", "nope"}, want: cli.ExitInvalidInvocation},
		{
			name:   "unknown config key",
			config: "pipelines:\n  build: {}\n",
			args:   []string{"run", "build"},
			want:   cli.ExitConfigError,
		},
		{
			name:   "invalid settings",
			config: "settings:\n  concurrency: 0\n",
			args:   []string{"run", "build"},
			want:   cli.ExitConfigError,
		},
		{
			name:   "dependency cycle",
			config: "workspaces: [packages/*]\npipeline:\n  build: {dependsOn: [test]}\n  test: {dependsOn: [build]}\n",
			args:   []string{"graph", "build"},
			want:   cli.ExitTaskFailure,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRepo(t)
			if tc.config != "" {
				writeFile(t, filepath.Join(r.root, "wmonorepo.yaml"), tc.config)
			}
			res, _, err := r.run(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, tc.want, res.ExitCode, "err: %v", err)
			assert.Equal(t, tc.want, cli.ExitCode(err))
			assert.Empty(t, r.invocations(t))
		})
	}
}

func TestGraph_PrintsTopologicalOrderWithoutRunning(t *testing.T) {
	r := newRepo(t)

	res, out, err := r.run(t, "graph", "build")
	require.NoError(t, err)
	assert.Equal(t, cli.ExitSuccess, res.ExitCode)
	assert.Equal(t, "a#build\nb#build <- a#build\n", out)
	assert.Empty(t, r.invocations(t))
}

func TestCache_StatsAndGC(t *testing.T) {
	r := newRepo(t)
	_, out, err := r.run(t, "cache", "stats")
	require.NoError(t, err)
	assert.Equal(t, "blobs: 0\nbytes: 0\n", out)

	_, _, err = r.run(t, "run", "build")
	require.NoError(t, err)

	_, out, err = r.run(t, "cache", "stats")
	require.NoError(t, err)
	assert.NotContains(t, out, "blobs: 0\n")

	_, out, err = r.run(t, "cache", "gc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "removed "), out)

	_, out, err = r.run(t, "run", "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Cached:  2 cached, 2 total", "gc must keep referenced blobs")
}

func TestRuns_ListsAndShowsRecordedRuns(t *testing.T) {
	r := newRepo(t)
	_, _, err := r.run(t, "run", "build")
	require.NoError(t, err)
	writeFile(t, filepath.Join(r.root, "packages", "a", "fail"), "")
	_, _, err = r.run(t, "run", "build")
	require.Error(t, err)

	_, out, err := r.run(t, "runs")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "completed")
	assert.Contains(t, lines[1], "failed")

	id := strings.Fields(lines[1])[0]
	_, out, err = r.run(t, "runs", id)
	require.NoError(t, err)
	assert.Contains(t, out, "phase:      failed")
	assert.Contains(t, out, "failure:    execution TaskFailed")
	assert.Contains(t, out, "node:       a#build")
}

func TestRun_CustomCacheDirIsNotAnInput(t *testing.T) {
	r := newRepo(t)
	writeFile(t, filepath.Join(r.root, "wmonorepo.yaml"), `pipeline:
  build:
    outputs: ["dist"]
settings:
  cache_dir: .cache/wm
  log:
    level: error
`)
	writeFile(t, filepath.Join(r.root, "package.json"), `{"name": "root", "scripts": {"build": "x"}}`)

	for i := 0; i < 3; i++ {
		_, _, err := r.run(t, "run", "build")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"root"}, r.invocations(t))

	_, out, err := r.run(t, "run", "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Cached:  1 cached, 1 total")
	assert.DirExists(t, filepath.Join(r.root, ".cache", "wm", "runs"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch_DependencyEditTriggersRerun(t *testing.T) {
	r := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		_, err := cli.Run(ctx, []string{"--root", r.root, "watch", "build",
			"--filter", "b", "--mode", "poll", "--interval", "50ms"}, stdout, stderr)
		done <- err
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("watch did not stop")
		}
	}()

	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), "Tasks:") },
		10*time.Second, 20*time.Millisecond, "startup run")
	assert.Equal(t, []string{"a", "b"}, r.invocations(t))

	writeFile(t, filepath.Join(r.root, "packages", "a", "src", "index.js"), "module.exports = 2\n")

	require.Eventually(t, func() bool { return len(r.invocations(t)) == 3 },
		10*time.Second, 20*time.Millisecond, "rerun after upstream edit")
	assert.Equal(t, []string{"a", "b", "a"}, r.invocations(t))
	assert.Equal(t, 1, strings.Count(stdout.String(), "change detected"))
}

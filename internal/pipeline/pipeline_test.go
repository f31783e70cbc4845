package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
workspaces:
  - packages/*
pipeline:
  build:
    dependsOn: ["^build", "codegen"]
    inputs: ["src/**"]
    outputs: ["dist/**"]
    env: [NODE_ENV, API_URL]
  codegen: {}
settings:
  concurrency: 2
`

func TestParse_PreservesEnvOrderAndDependencies(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	build := cfg.Pipeline.Task("build")
	assert.Equal(t, []string{"NODE_ENV", "API_URL"}, build.Env)
	if diff := cmp.Diff([]Dependency{{Task: "build", Upstream: true}, {Task: "codegen"}}, build.Dependencies()); diff != "" {
		t.Fatalf("dependencies mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"packages/*"}, cfg.Workspaces)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  build:\n    output: [dist]\n"))
	require.Error(t, err)
}

func TestParse_RejectsUnknownDependency(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  build:\n    dependsOn: [lint]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task "lint"`)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Pipeline)
	assert.Equal(t, TaskConfig{}, cfg.Pipeline.Task("anything"))
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, found, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotNil(t, cfg)
}

func TestLoad_ReadsRepoConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(sample), 0o644))

	cfg, found, err := Load(root)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, cfg.Pipeline, "build")
}

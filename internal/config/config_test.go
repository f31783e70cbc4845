package config

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ".wmonorepo", s.CacheDir)
	assert.Equal(t, runtime.NumCPU(), s.Concurrency)
	assert.False(t, s.ContinueOnError)
	assert.Equal(t, "native", s.Watch.Mode)
	assert.Equal(t, time.Second, s.Watch.Interval)
	assert.Equal(t, 200*time.Millisecond, s.Watch.Debounce)
	assert.Equal(t, "info", s.Log.Level)
	assert.Empty(t, s.Plugins)
	assert.Empty(t, s.RemoteCache.Addr)
}

func TestLoad_SettingsMapOverridesDefaults(t *testing.T) {
	s, err := Load(map[string]any{
		"concurrency":       2,
		"continue_on_error": true,
		"plugins":           []any{"cat >> events.log"},
		"watch": map[string]any{
			"mode":     "poll",
			"interval": "250ms",
		},
		"remote_cache": map[string]any{"addr": "localhost:6379"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Concurrency)
	assert.True(t, s.ContinueOnError)
	assert.Equal(t, []string{"cat >> events.log"}, s.Plugins)
	assert.Equal(t, "poll", s.Watch.Mode)
	assert.Equal(t, 250*time.Millisecond, s.Watch.Interval)
	assert.Equal(t, 200*time.Millisecond, s.Watch.Debounce)
	assert.Equal(t, "localhost:6379", s.RemoteCache.Addr)
}

func TestLoad_EnvOverridesSettings(t *testing.T) {
	t.Setenv("WMONOREPO_CONCURRENCY", "3")
	t.Setenv("WMONOREPO_WATCH_MODE", "poll")

	s, err := Load(map[string]any{"concurrency": 8})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Concurrency)
	assert.Equal(t, "poll", s.Watch.Mode)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	_, err := Load(map[string]any{"concurrency": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")

	_, err = Load(map[string]any{"watch": map[string]any{"interval": "0s"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.interval")
}

func TestSettings_CachePath(t *testing.T) {
	root := t.TempDir()
	s := &Settings{CacheDir: ".wmonorepo"}
	assert.Equal(t, filepath.Join(root, ".wmonorepo"), s.CachePath(root))

	abs := filepath.Join(t.TempDir(), "cache")
	s.CacheDir = abs
	assert.Equal(t, abs, s.CachePath(root))
}

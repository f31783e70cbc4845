package runstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun(id string) Run {
	end := time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)
	return Run{
		RunID:      id,
		Task:       "build",
		Workspaces: []string{"ui", "web"},
		StartTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EndTime:    &end,
		Phase:      "completed",
		Nodes:      2,
		Completed:  2,
		CacheHits:  1,
	}
}

func TestStore_SaveLoadRun(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := sampleRun(NewRunID())
	require.NoError(t, s.SaveRun(run))

	got, err := s.LoadRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Task, got.Task)
	assert.Equal(t, run.Workspaces, got.Workspaces)
	assert.True(t, run.StartTime.Equal(got.StartTime))
	assert.Equal(t, 1, got.CacheHits)

	_, ok, err := s.LoadFailure(run.RunID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveLoadFailure(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	id := NewRunID()
	node := "web#build"

	require.NoError(t, s.SaveFailure(id, Failure{
		FailureClass: FailureClassExecution,
		NodeID:       &node,
		ErrorCode:    "TaskFailed",
		ErrorMessage: "exit code 2",
	}))
	f, ok, err := s.LoadFailure(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FailureClassExecution, f.FailureClass)
	require.NotNil(t, f.NodeID)
	assert.Equal(t, node, *f.NodeID)
}

func TestStore_ListRunIDsChronological(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var want []string
	for i := 0; i < 3; i++ {
		id := NewRunID()
		want = append(want, id)
		require.NoError(t, s.SaveRun(sampleRun(id)))
		time.Sleep(2 * time.Millisecond)
	}
	got, err := s.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_ListRunIDsEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ids, err := s.ListRunIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.Error(t, s.SaveRun(Run{RunID: "x"}))
	require.Error(t, s.SaveFailure("x", Failure{FailureClass: "nope", ErrorCode: "c", ErrorMessage: "m"}))
	require.Error(t, s.SaveRun(sampleRun("../escape")))

	id := NewRunID()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runs", id), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", id, "run.json"), []byte(`{"run_id":"`+id+`","extra":1}`), 0o644))
	_, err = s.LoadRun(id)
	require.Error(t, err)

	_, err = NewStore(" ")
	require.Error(t, err)
}

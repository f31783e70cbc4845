package runstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"wmonorepo/internal/fsutil"
)

// Store reads and writes run records under <cacheDir>/runs.
type Store struct {
	cacheDir string
}

func NewStore(cacheDir string) (*Store, error) {
	if strings.TrimSpace(cacheDir) == "" {
		return nil, errors.New("cacheDir is required")
	}
	return &Store{cacheDir: cacheDir}, nil
}

// NewRunID returns a time-ordered identifier, so lexical order of run IDs is
// chronological.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Store) runsRootDir() string { return filepath.Join(s.cacheDir, "runs") }

func (s *Store) runDir(runID string) string { return filepath.Join(s.runsRootDir(), runID) }

func (s *Store) runPath(runID string) string { return filepath.Join(s.runDir(runID), "run.json") }

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

// ListRunIDs returns all run IDs present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.TrimSpace(e.Name()) == "" {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func validRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid runID %q", runID)
	}
	return nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := validRunID(run.RunID); err != nil {
		return err
	}
	if run.Workspaces == nil {
		run.Workspaces = []string{}
	}
	if err := fsutil.EnsureDir(s.runDir(run.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	if err := fsutil.WriteJSON(s.runPath(run.RunID), run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(runID string) (Run, error) {
	if err := validRunID(runID); err != nil {
		return Run{}, err
	}
	var run Run
	if err := fsutil.ReadJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := fsutil.EnsureDir(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	if err := fsutil.WriteJSON(s.failurePath(runID), failure); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

// LoadFailure returns the failure record of a run. ok is false when the run
// has none.
func (s *Store) LoadFailure(runID string) (failure Failure, ok bool, err error) {
	if err := validRunID(runID); err != nil {
		return Failure{}, false, err
	}
	if err := fsutil.ReadJSONStrict(s.failurePath(runID), &failure); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failure{}, false, nil
		}
		return Failure{}, false, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, false, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, true, nil
}

// Package runstate persists one record per executor run under
// <cache_dir>/runs/<run-id>/: run.json always, failure.json when the run
// failed. All writes are atomic and durable.
package runstate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run is the persisted summary of one executor run.
type Run struct {
	RunID      string     `json:"run_id"`
	Task       string     `json:"task"`
	GraphHash  string     `json:"graph_hash"`
	Workspaces []string   `json:"workspaces"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	Phase      string     `json:"phase"`
	Nodes      int        `json:"nodes"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	CacheHits  int        `json:"cache_hits"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Task) == "" {
		errs = append(errs, errors.New("task is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if strings.TrimSpace(r.Phase) == "" {
		errs = append(errs, errors.New("phase is required"))
	}
	for name, n := range map[string]int{
		"nodes": r.Nodes, "completed": r.Completed, "failed": r.Failed,
		"skipped": r.Skipped, "cache_hits": r.CacheHits,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassGraph       FailureClass = "graph"
	FailureClassFingerprint FailureClass = "fingerprint"
	FailureClassExecution   FailureClass = "execution"
	FailureClassSystem      FailureClass = "system"
)

// Failure is the recorded reason a run failed: the first failing node.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	NodeID       *string      `json:"node_id,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassFingerprint, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.NodeID != nil && strings.TrimSpace(*f.NodeID) == "" {
		errs = append(errs, errors.New("node_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}

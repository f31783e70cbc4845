package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph indicates the graph is structurally invalid (unknown
	// nodes, duplicate nodes or edges, self-loops).
	ErrInvalidGraph = errors.New("invalid task graph")

	// ErrCycleFound indicates the dependency relation contains a cycle.
	ErrCycleFound = errors.New("cycle detected")
)

// GraphError carries a sentinel Kind plus a human-readable message.
// Callers should test with errors.Is(err, ErrCycleFound) and friends.
type GraphError struct {
	Kind error
	Msg  string
	// Cycle lists the members of a detected cycle, first member repeated at
	// the end. Empty for other kinds.
	Cycle []NodeID
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []NodeID) error {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = string(id)
	}
	msg := "cycle"
	if len(parts) > 0 {
		msg = "cycle: " + strings.Join(parts, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg, Cycle: path}
}

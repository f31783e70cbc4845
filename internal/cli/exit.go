package cli

import (
	"errors"
	"fmt"

	"wmonorepo/internal/graph"
	"wmonorepo/internal/scheduler"
	"wmonorepo/internal/watch"
)

const (
	ExitSuccess           = 0
	ExitTaskFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code a failure should produce.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var failed *scheduler.FailedError
	switch {
	case errors.As(err, &failed),
		errors.Is(err, graph.ErrCycleFound),
		errors.Is(err, graph.ErrInvalidGraph):
		return ExitTaskFailure
	case errors.Is(err, watch.ErrInvalidMode):
		return ExitInvalidInvocation
	}
	return ExitInternalError
}

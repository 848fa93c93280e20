package search

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState means the controller or a selector was driven outside
	// its state machine. This is an internal invariant violation, not a
	// recoverable condition.
	ErrInvalidState = errors.New("search: invalid state")

	// ErrInvalidIndex means an origin index referenced a hypothesis that was
	// not active in the immediately preceding step.
	ErrInvalidIndex = errors.New("search: origin index out of range")

	// ErrScoresExhausted means every candidate for an active hypothesis was
	// masked out. Whether this aborts the run or empties the affected item
	// is decided by GenerationParams.OnExhausted.
	ErrScoresExhausted = errors.New("search: all candidate scores masked")
)

// ValidationError wraps a parameter problem detected at Initialize time.
// Runs that fail validation were never started and are safe to retry with
// fixed parameters.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExecutionError wraps a subgraph or device-op failure at a specific step.
// The run is aborted and no partial output is returned; retry policy belongs
// to the caller.
type ExecutionError struct {
	Step int
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at step %d: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

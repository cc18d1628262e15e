package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrFunctionNotFound is returned when the requested function id is not in
// the catalog.
var ErrFunctionNotFound = errors.New("function not found")

// MissingInputError reports a declared input slot with no upload.
type MissingInputError struct {
	Index int
	Slot  string
	Label string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input %d (%s): %s", e.Index, e.Slot, e.Label)
}

// ExecutionError reports a non-zero exit of the entry script. The workspace
// is kept for inspection.
type ExecutionError struct {
	ExitCode  int
	Stderr    string
	Workspace string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("function exited with code %d: %s\nDebugging data saved in %s", e.ExitCode, e.Stderr, e.Workspace)
}

// TimeoutError reports an entry script killed after exceeding its time
// budget. The workspace is kept for inspection.
type TimeoutError struct {
	Timeout   time.Duration
	Stderr    string
	Workspace string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("function timed out after %s\nDebugging data saved in %s", e.Timeout, e.Workspace)
}

// OutputMissingError reports a declared output the entry script did not
// produce even though it exited zero.
type OutputMissingError struct {
	Index     int
	Slot      string
	Workspace string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("output %d (%s) was not produced\nDebugging data saved in %s", e.Index, e.Slot, e.Workspace)
}

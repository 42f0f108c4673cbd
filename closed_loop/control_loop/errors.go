package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrSolveFailed wraps every non-success solver status.
	ErrSolveFailed = errors.New("solve failed")
	// ErrDeadlineExceeded marks a solve that outlived the solve timeout.
	ErrDeadlineExceeded = errors.New("solve deadline exceeded")
	// ErrTooManyFailures stops Run once the consecutive failure limit is hit.
	ErrTooManyFailures = errors.New("too many consecutive solve failures")
	// ErrUnknownMode is returned when a solver mode name cannot be parsed.
	ErrUnknownMode = errors.New("unknown solver mode")
)

// SolveError reports the solver status of a failed tick.
type SolveError struct {
	Mode   SolverMode
	Status Status
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("%s solve failed: %s", e.Mode.Label(), e.Status)
}

func (e *SolveError) Unwrap() error {
	return ErrSolveFailed
}

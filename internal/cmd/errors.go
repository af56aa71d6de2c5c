package cmd

import (
	"errors"
	"fmt"

	"github.com/conductor-dev/conductor/internal/errs"
)

// Exit codes beyond the generic failure.
const (
	ExitFailure     = 1
	ExitNoMatch     = 2
	ExitUnreachable = 3
	ExitNotFound    = 4
)

// SilentExitError signals that the command should exit with a specific code
// without printing an error message. Scripts read the status from the exit
// code (e.g. `daemon status` exits 1 when no daemon runs).
type SilentExitError struct {
	Code int
}

func (e *SilentExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// NewSilentExit creates a SilentExitError with the given exit code.
func NewSilentExit(code int) *SilentExitError {
	return &SilentExitError{Code: code}
}

// IsSilentExit checks if an error is a SilentExitError and returns its code.
// Returns 0 and false if err is nil or not a SilentExitError.
func IsSilentExit(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var se *SilentExitError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// exitCode maps classified errors to distinct exit codes.
func exitCode(err error) int {
	if code, ok := IsSilentExit(err); ok {
		return code
	}
	switch {
	case errors.Is(err, errs.ErrNoMatch):
		return ExitNoMatch
	case errors.Is(err, errs.ErrUnreachable):
		return ExitUnreachable
	case errors.Is(err, errs.ErrNotFound):
		return ExitNotFound
	default:
		return ExitFailure
	}
}

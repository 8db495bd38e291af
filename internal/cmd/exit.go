package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
)

// Exit codes used by pcflow commands.
var (
	exitInvalidArgument    = int(foundry.ExitInvalidArgument)
	exitServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitFileNotFound       = int(foundry.ExitFileNotFound)
	exitFileReadError      = int(foundry.ExitFileReadError)
	exitFileWriteError     = int(foundry.ExitFileWriteError)
	exitSignalInt          = int(foundry.ExitSignalInt)
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: 0 for nil, the carried code for
// an ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
)

// Exit codes. A watched job that fails exits 1 so scripts can tell it apart
// from usage and transport failures.
var (
	exitJobFailed          = 1
	exitInvalidArgument    = int(foundry.ExitInvalidArgument)
	exitNotFound           = int(foundry.ExitFileNotFound)
	exitServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitWriteError         = int(foundry.ExitFileWriteError)
	exitSignalInt          = int(foundry.ExitSignalInt)
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Package procutil decodes subprocess termination states.
package procutil

import (
	"errors"
	"os/exec"
)

// ExitCode maps a command's termination to a conventional exit code. A normal
// exit yields the process's own code; any abnormal termination (signal, stop,
// unstarted process) yields 1. A nil error is a clean zero exit.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by signal; ExitCode reports -1.
		return 1
	}
	return 1
}

package cmd

import "fmt"

// ExitCodeError carries a launched agent's non-zero exit code up to main,
// which exits with it instead of printing an error.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("agent exited with status %d", e.Code)
}

package process

import (
	"fmt"
)

// A ToolNotFoundError is returned when a required executable isn't on PATH.
type ToolNotFoundError struct {
	Tool string
	Err  error
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Tool, e.Err)
}

func (e *ToolNotFoundError) Unwrap() error {
	return e.Err
}

// A ToolExecutionError is returned when a tool fails to start or exits non-zero.
// ExitCode is -1 if the tool never ran to completion.
type ToolExecutionError struct {
	Tool     string
	Args     []string
	Dir      string
	ExitCode int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	cmd := Command{Name: e.Tool, Args: e.Args}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with status %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s failed: %s", cmd, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

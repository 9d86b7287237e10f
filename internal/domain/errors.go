package domain

import "fmt"

// Code is a stable, machine-readable error code exposed to callers.
type Code string

const (
	CodeTaskNotFound           Code = "TASK_NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeNotARepository         Code = "NOT_A_REPOSITORY"
	CodeInvalidDirectory       Code = "INVALID_DIRECTORY"
	CodeInvalidConfiguration   Code = "INVALID_CONFIGURATION"
	CodeProcessSpawnFailed     Code = "PROCESS_SPAWN_FAILED"
	CodeScriptNotFound         Code = "SCRIPT_NOT_FOUND"
	CodeAPIError               Code = "API_ERROR"
	CodeSourceRequired         Code = "SOURCE_REQUIRED"
)

// Error is a typed engine error carrying a stable code.
// Sentinel values below are compared with errors.Is; wrapped copies created
// via fmt.Errorf("...: %w", Err...) keep both the code and the identity.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

// Engine errors.
var (
	ErrTaskNotFound         = &Error{CodeTaskNotFound, "task not found"}
	ErrInvalidTransition    = &Error{CodeInvalidStateTransition, "invalid status transition"}
	ErrNotARepository       = &Error{CodeNotARepository, "directory is not a version-controlled repository"}
	ErrInvalidDirectory     = &Error{CodeInvalidDirectory, "target directory does not exist"}
	ErrInvalidConfiguration = &Error{CodeInvalidConfiguration, "execution environment is not usable"}
	ErrProcessSpawnFailed   = &Error{CodeProcessSpawnFailed, "failed to spawn agent process"}
	ErrScriptNotFound       = &Error{CodeScriptNotFound, "agent script not found"}
	ErrAPIError             = &Error{CodeAPIError, "remote session API error"}
	ErrSourceRequired       = &Error{CodeSourceRequired, "remote session requires a source"}
)

// TransitionError builds the InvalidStateTransition error for a concrete pair.
func TransitionError(from, to Status) error {
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

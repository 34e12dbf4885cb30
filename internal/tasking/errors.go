// Package tasking is the dispatch surface of the scheduler: a typed registry
// of task functions and the Scheduler façade that validates a request,
// persists the task and returns its id without ever blocking on execution.
package tasking

import "errors"

// Sentinel errors returned by Dispatch and Register. Callers branch with
// errors.Is; everything else coming out of this package is wrapped storage
// or handler failure.
var (
	// ErrEmptyFunction is returned when a dispatch or registration names no
	// function.
	ErrEmptyFunction = errors.New("empty function name")

	// ErrUnknownFunction is returned when the named function was never
	// registered with this process.
	ErrUnknownFunction = errors.New("unknown task function")

	// ErrDuplicateFunction is returned when a name is registered twice.
	ErrDuplicateFunction = errors.New("task function already registered")

	// ErrUnknownGroup is returned when a dispatch references a task group id
	// that does not exist.
	ErrUnknownGroup = errors.New("unknown task group")

	// ErrInvalidKey is returned when a dispatch declares a malformed
	// resource key.
	ErrInvalidKey = errors.New("invalid resource key")

	// ErrInvalidArgs is returned when dispatch args fail the function's
	// registered JSON schema.
	ErrInvalidArgs = errors.New("args failed schema validation")
)

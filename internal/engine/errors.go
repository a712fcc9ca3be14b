package engine

import (
	"errors"
	"fmt"
)

// Code categorizes engine-internal failures. A command exiting non-zero is
// not an engine failure; it is reported through the exit status.
type Code string

const (
	// CodeRecord covers walk file reads, the in-flight truncation, and the
	// final atomic write.
	CodeRecord Code = "RECORD"

	// CodeTracer covers spawning a backend, building the preload shim, and
	// parsing tracer output.
	CodeTracer Code = "TRACER"

	// CodeHash covers digesting a recorded or accessed path.
	CodeHash Code = "HASH"
)

// Error is an engine-internal failure for one command. The CLI maps any
// Error to its dedicated exit code so callers can tell engine trouble apart
// from a failing command.
type Error struct {
	Code     Code
	WalkPath string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Code, e.WalkPath, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsEngine reports whether err is (or wraps) an engine-internal Error.
func IsEngine(err error) bool {
	var ee *Error
	return errors.As(err, &ee)
}

// CommandError reports a command that ran and exited non-zero (or died to a
// signal, reported as 128+N). The pool aggregates these; synchronous callers
// receive the exit status as a value instead.
type CommandError struct {
	Command  string
	WalkPath string
	Exit     int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command exited with status %d: %s", e.Exit, e.Command)
}

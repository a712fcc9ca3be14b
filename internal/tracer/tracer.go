// Package tracer observes the file accesses of a command and all of its
// descendant processes.
//
// Two interchangeable backends exist. The strace backend runs the command
// under the system call tracer and parses its output stream. The preload
// backend injects a small interposer library via the dynamic linker and
// reads the access records it emits. Both feed the same normalized events
// into a Builder, which produces the AccessLog the engine records.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"syscall"
)

// Backend runs one command under observation.
type Backend interface {
	// Name reports the method name as used by the -m flag.
	Name() string

	// Spawn launches command via the shell, streams its stdout and stderr
	// unchanged to the given writers, and feeds every observed file access
	// into b. It returns the command's exit status; a command terminated by
	// signal N reports 128+N. An error means the tracer itself failed, not
	// the command.
	Spawn(ctx context.Context, command string, stdout, stderr io.Writer, b *Builder) (int, error)
}

// Methods accepted by Select.
const (
	MethodTrace   = "trace"
	MethodPreload = "preload"
)

// Select returns the backend for method. The empty method picks the OS
// default: the syscall tracer on Linux, the preload shim elsewhere. The
// preload default matches OpenBSD, where the linker is interposable; on
// Linux some linkers open their output via libc internals the shim cannot
// reach, so strace is the safer default.
func Select(method string) (Backend, error) {
	switch method {
	case "":
		if runtime.GOOS == "linux" {
			return &Strace{}, nil
		}
		return &Preload{}, nil
	case MethodTrace:
		return &Strace{}, nil
	case MethodPreload:
		return &Preload{}, nil
	}
	return nil, fmt.Errorf("unknown tracer method %q", method)
}

// run executes cmd and maps its termination into an exit status. Any failure
// other than the child exiting non-zero is the caller's error to wrap.
func run(cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, err
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return ee.ExitCode(), nil
}

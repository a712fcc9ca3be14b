package tracer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// preloadLogEnv names the file the shim appends access records to. The
// variable is inherited across fork and exec, so descendants report into the
// same log.
const preloadLogEnv = "WALK_PRELOAD_LOG"

// Preload traces a command by interposing the libc file-opening entry points
// with a small shared library injected through LD_PRELOAD.
//
// Known limitation: a call that reaches the kernel without going through an
// interposable libc symbol (some linkers open their output that way) is not
// observed.
type Preload struct {
	shim Shim
}

func (*Preload) Name() string { return MethodPreload }

func (p *Preload) Spawn(ctx context.Context, command string, stdout, stderr io.Writer, b *Builder) (int, error) {
	lib, err := p.shim.Ensure()
	if err != nil {
		return 0, err
	}

	logPath := filepath.Join(os.TempDir(), "walk-preload-"+uuid.NewString())
	defer os.Remove(logPath)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+lib,
		preloadLogEnv+"="+logPath)

	exit, err := run(cmd)
	if err != nil {
		return 0, fmt.Errorf("running command under preload: %w", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			// The command made no interposable file calls.
			return exit, nil
		}
		return 0, fmt.Errorf("reading preload log: %w", err)
	}
	defer f.Close()
	if err := ParsePreloadLog(f, b); err != nil {
		return 0, err
	}
	return exit, nil
}

// ParsePreloadLog reads the shim's tab-separated records and feeds them into
// b. The shim resolves relative paths against the caller's working directory
// before logging, so every path here is absolute.
//
// Record forms:
//
//	o <ret> <r|w|rw> <path>
//	r <from> <to>
//	d <path>
func ParsePreloadLog(r io.Reader, b *Builder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		switch {
		case len(fields) == 4 && fields[0] == "o":
			mode := fields[2]
			b.Add(Event{
				Op:     OpOpen,
				Path:   fields[3],
				Read:   strings.Contains(mode, "r"),
				Write:  strings.Contains(mode, "w"),
				Failed: fields[1] != "0",
			})
		case len(fields) == 3 && fields[0] == "r":
			b.Add(Event{Op: OpRename, Path: fields[1], Path2: fields[2]})
		case len(fields) == 2 && fields[0] == "d":
			b.Add(Event{Op: OpUnlink, Path: fields[1]})
		}
		// Anything else is a torn line from a crashed child; ignore it.
	}
	return scanner.Err()
}

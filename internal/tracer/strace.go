package tracer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Strace traces a command with the external strace tool.
//
// The invocation follows the child process tree (-f) and restricts tracing
// to path-taking syscalls plus fchdir. With -y strace annotates descriptor
// arguments with the path they refer to, which is how openat-relative and
// fchdir targets are resolved.
type Strace struct{}

func (Strace) Name() string { return MethodTrace }

func (Strace) Spawn(ctx context.Context, command string, stdout, stderr io.Writer, b *Builder) (int, error) {
	tracePath := filepath.Join(os.TempDir(), "walk-trace-"+uuid.NewString())
	defer os.Remove(tracePath)

	cmd := exec.CommandContext(ctx, "strace",
		"-f", "-q", "-qq", "-y",
		"-e", "trace=%file,fchdir",
		"-o", tracePath,
		"/bin/sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	exit, err := run(cmd)
	if err != nil {
		return 0, fmt.Errorf("running strace: %w", err)
	}

	f, err := os.Open(tracePath)
	if err != nil {
		return 0, fmt.Errorf("reading strace output: %w", err)
	}
	defer f.Close()
	if err := ParseStrace(f, b); err != nil {
		return 0, err
	}
	return exit, nil
}

// One capture group layout per syscall family. The optional <...> group is
// the -y annotation of a descriptor argument; the optional E... group is the
// errno name of a failed call.
var (
	straceOpenat = regexp.MustCompile(`^(\d+)\s+openat\((?:AT_FDCWD|\d+)(?:<((?:[^\\>]|\\.)*)>)?, "((?:[^"\\]|\\.)*)", ([A-Z0-9_|]+)(?:, 0[0-7]*)?\)\s+= (-?\d+)(?:<[^>]*>)?(?:\s+(E[A-Z]+))?`)
	straceOpen   = regexp.MustCompile(`^(\d+)\s+open\("((?:[^"\\]|\\.)*)", ([A-Z0-9_|]+)(?:, 0[0-7]*)?\)\s+= (-?\d+)(?:<[^>]*>)?(?:\s+(E[A-Z]+))?`)
	straceCreat  = regexp.MustCompile(`^(\d+)\s+creat\("((?:[^"\\]|\\.)*)", 0[0-7]*\)\s+= (-?\d+)(?:<[^>]*>)?(?:\s+(E[A-Z]+))?`)
	straceRename = regexp.MustCompile(`^(\d+)\s+rename\("((?:[^"\\]|\\.)*)", "((?:[^"\\]|\\.)*)"\)\s+= (-?\d+)`)
	straceRenameat = regexp.MustCompile(`^(\d+)\s+renameat2?\((?:AT_FDCWD|\d+)(?:<((?:[^\\>]|\\.)*)>)?, "((?:[^"\\]|\\.)*)", (?:AT_FDCWD|\d+)(?:<((?:[^\\>]|\\.)*)>)?, "((?:[^"\\]|\\.)*)"(?:, [A-Z0-9_|]+)?\)\s+= (-?\d+)`)
	straceUnlink = regexp.MustCompile(`^(\d+)\s+unlink\("((?:[^"\\]|\\.)*)"\)\s+= (-?\d+)`)
	straceUnlinkat = regexp.MustCompile(`^(\d+)\s+unlinkat\((?:AT_FDCWD|\d+)(?:<((?:[^\\>]|\\.)*)>)?, "((?:[^"\\]|\\.)*)", (?:\d+|[A-Z_|]+)\)\s+= (-?\d+)`)
	straceChdir  = regexp.MustCompile(`^(\d+)\s+chdir\("((?:[^"\\]|\\.)*)"\)\s+= (-?\d+)`)
	straceFchdir = regexp.MustCompile(`^(\d+)\s+fchdir\(\d+<((?:[^\\>]|\\.)*)>\)\s+= (-?\d+)`)
)

// ParseStrace reads one strace output stream and feeds the recognized events
// into b. Unrecognized lines, including signal and exit notices and calls
// interrupted mid-line by scheduling (`<unfinished ...>`), are skipped; only
// completed calls carry a usable return value.
func ParseStrace(r io.Reader, b *Builder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "<unfinished ...>") {
			continue
		}

		if m := straceOpenat.FindStringSubmatch(line); m != nil {
			addStraceOpen(b, m[1], m[3], m[2], m[4], m[5], m[6])
			continue
		}
		if m := straceOpen.FindStringSubmatch(line); m != nil {
			addStraceOpen(b, m[1], m[2], "", m[3], m[4], m[5])
			continue
		}
		if m := straceCreat.FindStringSubmatch(line); m != nil {
			addStraceOpen(b, m[1], m[2], "", "O_WRONLY|O_CREAT|O_TRUNC", m[3], m[4])
			continue
		}
		if m := straceRenameat.FindStringSubmatch(line); m != nil {
			if m[6] == "0" {
				b.Add(Event{
					PID: atoi(m[1]), Op: OpRename,
					Path: unescape(m[3]), Dir: unescape(m[2]),
					Path2: unescape(m[5]), Dir2: unescape(m[4]),
				})
			}
			continue
		}
		if m := straceRename.FindStringSubmatch(line); m != nil {
			if m[4] == "0" {
				b.Add(Event{PID: atoi(m[1]), Op: OpRename, Path: unescape(m[2]), Path2: unescape(m[3])})
			}
			continue
		}
		if m := straceUnlinkat.FindStringSubmatch(line); m != nil {
			if m[4] == "0" {
				b.Add(Event{PID: atoi(m[1]), Op: OpUnlink, Path: unescape(m[3]), Dir: unescape(m[2])})
			}
			continue
		}
		if m := straceUnlink.FindStringSubmatch(line); m != nil {
			if m[3] == "0" {
				b.Add(Event{PID: atoi(m[1]), Op: OpUnlink, Path: unescape(m[2])})
			}
			continue
		}
		if m := straceChdir.FindStringSubmatch(line); m != nil {
			if m[3] == "0" {
				b.Add(Event{PID: atoi(m[1]), Op: OpChdir, Path: unescape(m[2])})
			}
			continue
		}
		if m := straceFchdir.FindStringSubmatch(line); m != nil {
			if m[3] == "0" {
				b.Add(Event{PID: atoi(m[1]), Op: OpChdir, Path: unescape(m[2])})
			}
			continue
		}
	}
	return scanner.Err()
}

func addStraceOpen(b *Builder, pid, path, dir, flags, ret, errname string) {
	n := atoi(ret)
	read := strings.Contains(flags, "O_RDONLY") || strings.Contains(flags, "O_RDWR")
	write := strings.Contains(flags, "O_WRONLY") || strings.Contains(flags, "O_RDWR")
	if strings.Contains(flags, "O_PATH") || strings.Contains(flags, "O_DIRECTORY") {
		return
	}
	if n < 0 && errname != "ENOENT" && errname != "ENOTDIR" {
		// Other failures (permissions, interrupts) say nothing about
		// whether the path's content is an input.
		return
	}
	b.Add(Event{
		PID:    atoi(pid),
		Op:     OpOpen,
		Path:   unescape(path),
		Dir:    unescape(dir),
		Read:   read,
		Write:  write,
		Failed: n < 0,
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// unescape decodes strace's C-style string escapes. strace and Go quote the
// same basic escapes; anything Unquote rejects is passed through verbatim.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if out, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return out
	}
	return s
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/cgdae/walk/internal/digest"
	"github.com/cgdae/walk/internal/tracer"
	"github.com/cgdae/walk/internal/walkfile"
)

// Run executes req if the recorded state says its outputs could change, and
// returns the command's exit status. A skipped command reports 0.
//
// The sequence when the command runs:
//
//  1. truncate the walk file to zero length (crash sentinel)
//  2. spawn the command under the tracer, streaming its output
//  3. re-digest every accessed path
//  4. write the new record to a temp sibling and rename it into place
//
// A non-zero exit does not suppress step 4; the next invocation needs the
// record of what the failing command touched. Engine-internal failures come
// back as *Error and leave the walk file in whatever state step 1 produced.
func (e *Engine) Run(ctx context.Context, req Request) (int, error) {
	if req.Command == "" || req.WalkPath == "" {
		return 0, &Error{Code: CodeRecord, WalkPath: req.WalkPath,
			Err: errors.New("request needs a command and a walk path")}
	}
	stdout := req.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := req.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	started := time.Now()

	if req.Force == ForceNever {
		e.log.Debug("not running command (forced)", "walk", req.WalkPath)
		e.record(ctx, req, started, false, "forced off", 0, 0)
		return 0, nil
	}

	doit, reason := true, "forced on"
	if req.Force != ForceAlways {
		var err error
		doit, reason, err = e.decide(req)
		if err != nil {
			return 0, err
		}
	}

	if !doit {
		e.log.Debug("not running command", "walk", req.WalkPath, "reason", reason)
		e.record(ctx, req, started, false, reason, 0, 0)
		return 0, nil
	}

	if req.Description != "" {
		e.log.Info("running command", "description", req.Description, "reason", reason)
	} else {
		e.log.Info("running command", "command", req.Command, "reason", reason)
	}

	if err := walkfile.MarkInFlight(req.WalkPath); err != nil {
		return 0, &Error{Code: CodeRecord, WalkPath: req.WalkPath, Err: err}
	}

	builder := tracer.NewBuilder(e.cwd, e.cfg.IgnorePaths, req.WalkPath)
	exit, err := e.backend.Spawn(ctx, req.Command, stdout, stderr, builder)
	if err != nil {
		return 0, &Error{Code: CodeTracer, WalkPath: req.WalkPath, Err: err}
	}
	dur := time.Since(started)

	accesses, err := e.capture(builder.Log())
	if err != nil {
		return 0, &Error{Code: CodeHash, WalkPath: req.WalkPath, Err: err}
	}

	rec := &walkfile.Record{Command: req.Command, Duration: dur, Accesses: accesses}
	if err := walkfile.WriteRecord(req.WalkPath, rec); err != nil {
		return 0, &Error{Code: CodeRecord, WalkPath: req.WalkPath, Err: err}
	}

	if exit != 0 {
		e.log.Warn("command failed", "exit", exit, "command", req.Command)
	}
	e.record(ctx, req, started, true, reason, exit, dur)
	return exit, nil
}

// decide checks the recorded state. It reports whether the command must run
// and why. Unreadable and interrupted records downgrade to "no prior run";
// only I/O trouble while checking is an error.
func (e *Engine) decide(req Request) (bool, string, error) {
	rec, err := walkfile.ReadRecord(req.WalkPath)
	var perr *walkfile.ParseError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, "no record of a previous run", nil
	case errors.Is(err, walkfile.ErrInterrupted):
		return true, "previous run did not complete", nil
	case errors.As(err, &perr):
		return true, "previous record is unreadable", nil
	case err != nil:
		return false, "", &Error{Code: CodeRecord, WalkPath: req.WalkPath, Err: err}
	}

	same := rec.Command == req.Command
	if req.Compare != nil {
		same = req.Compare(rec.Command, req.Command)
	}
	if !same {
		return true, "command has changed", nil
	}

	for _, a := range rec.Accesses {
		sum, err := e.cache.File(a.Path)
		if err != nil {
			return false, "", &Error{Code: CodeHash, WalkPath: req.WalkPath, Err: err}
		}
		if a.Kind == walkfile.FailedRead {
			// The command probed for this path and did not find it. If it
			// is findable now the command may behave differently.
			if sum != digest.Absent {
				return true, fmt.Sprintf("%s has appeared", e.rel(a.Path)), nil
			}
			continue
		}
		if sum != a.Sum {
			return true, fmt.Sprintf("%s has changed", e.rel(a.Path)), nil
		}
	}
	return false, "recorded files are unchanged", nil
}

// capture digests every path the command touched. Cache entries for these
// paths are dropped first; the command may have rewritten any of them.
func (e *Engine) capture(log tracer.AccessLog) ([]walkfile.Access, error) {
	paths := make([]string, 0, len(log))
	for p := range log {
		e.cache.Invalidate(p)
		paths = append(paths, p)
	}
	sort.Strings(paths)

	accesses := make([]walkfile.Access, 0, len(paths))
	for _, p := range paths {
		kind := log[p]
		sum := digest.Absent
		if kind != walkfile.FailedRead {
			var err error
			sum, err = e.cache.File(p)
			if err != nil {
				return nil, err
			}
		}
		accesses = append(accesses, walkfile.Access{Path: p, Kind: kind, Sum: sum})
	}
	return accesses, nil
}

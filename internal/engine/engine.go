// Package engine decides whether commands need to run and executes them
// under a tracer when they do.
//
// An Engine is the per-process context: it owns the digest cache, the tracer
// backend (including the preload shim's lazy build), and the optional run
// history. Workers of a Concurrent pool borrow the Engine; they share no
// other mutable state.
package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cgdae/walk/internal/config"
	"github.com/cgdae/walk/internal/digest"
	"github.com/cgdae/walk/internal/history"
	"github.com/cgdae/walk/internal/tracer"
)

// Force overrides the run decision for one request.
type Force int

const (
	// ForceDefault lets the recorded state decide.
	ForceDefault Force = iota
	// ForceNever skips the command unconditionally and reports success.
	ForceNever
	// ForceAlways runs the command regardless of the recorded state.
	ForceAlways
)

// Request describes one command to memoize. Immutable after submission.
type Request struct {
	// Command is passed verbatim to the shell and recorded verbatim.
	Command string

	// WalkPath locates the command's durable record.
	WalkPath string

	Force Force

	// Compare, when set, replaces byte equality for the command-text check.
	// It reports whether old and new are equivalent. It must be pure.
	Compare func(old, new string) bool

	// Description tags diagnostics. Optional.
	Description string

	// Stdout and Stderr receive the command's output unchanged. They
	// default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Engine runs memoized commands.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	cache   *digest.Cache
	backend tracer.Backend
	hist    *history.Store
	cwd     string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithBackend overrides the tracer backend, bypassing method selection.
// Used by tests to substitute a fake.
func WithBackend(b tracer.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithHistory attaches a run-history store. The engine appends to it best
// effort; the store's lifetime belongs to the caller.
func WithHistory(h *history.Store) Option {
	return func(e *Engine) { e.hist = h }
}

// New builds an Engine for cfg.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		log:   slog.Default(),
		cache: digest.NewCache(),
		cwd:   cwd,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		b, err := tracer.Select(cfg.Method)
		if err != nil {
			return nil, err
		}
		e.backend = b
	}
	return e, nil
}

// MarkModified treats path as newly modified: every record referencing it
// fails its next hash check. Relative paths resolve against the engine's
// working directory.
func (e *Engine) MarkModified(path string) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cwd, path)
	}
	// Canonicalize the same way the access-log builder does, so the cache
	// key matches what records store.
	e.cache.MarkModified(tracer.Canonical(path))
}

// Method reports the active tracer backend's method name.
func (e *Engine) Method() string {
	return e.backend.Name()
}

// ResetCache drops all memoized digests. Call between dependent phases when
// reusing one Engine across them.
func (e *Engine) ResetCache() {
	e.cache.Reset()
}

// rel shortens a path for diagnostics.
func (e *Engine) rel(path string) string {
	if r, err := filepath.Rel(e.cwd, path); err == nil && !filepath.IsAbs(r) && r != "" && r[0] != '.' {
		return r
	}
	return path
}

func (e *Engine) record(ctx context.Context, req Request, started time.Time, ran bool, reason string, exit int, dur time.Duration) {
	if e.hist == nil {
		return
	}
	err := e.hist.Append(ctx, history.Run{
		ID:        uuid.NewString(),
		WalkPath:  req.WalkPath,
		Command:   req.Command,
		Ran:       ran,
		Reason:    reason,
		Exit:      exit,
		Duration:  dur,
		StartedAt: started,
	})
	if err != nil {
		e.log.Warn("recording run history", "walk", req.WalkPath, "error", err)
	}
}

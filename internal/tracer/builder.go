package tracer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cgdae/walk/internal/walkfile"
)

// Op distinguishes normalized tracer events.
type Op uint8

const (
	// OpOpen is a file-opening call, successful or not.
	OpOpen Op = iota + 1
	// OpRename is a successful rename.
	OpRename
	// OpUnlink is a successful unlink.
	OpUnlink
	// OpChdir is a successful working-directory change.
	OpChdir
)

// Event is one observation delivered by a backend. Paths may be relative;
// the builder resolves them against Dir when set, otherwise against the
// recorded working directory of PID.
type Event struct {
	PID   int
	Op    Op
	Path  string
	Path2 string // rename destination
	Dir   string // base directory for a relative Path, when the backend knows it
	Dir2  string // base directory for a relative Path2
	Read  bool
	Write bool
	// Failed marks an open that did not find its path.
	Failed bool
}

// AccessLog is the normalized result of one command run: every touched path,
// absolute and canonicalized, with the folded access kind.
type AccessLog map[string]walkfile.Kind

// Builder folds backend events into an AccessLog.
//
// It tracks the working directory of each observed process so relative paths
// resolve correctly, canonicalizes every path, applies the kind merge rules,
// and drops paths under the configured ignore roots as well as explicitly
// excluded paths (the engine passes the walk file itself).
//
// A Builder is fed by a single backend invocation and is not safe for
// concurrent use.
type Builder struct {
	root    string
	ignore  []string
	exclude map[string]bool
	cwd     map[int]string
	entries AccessLog
}

// NewBuilder returns a builder resolving relative paths against root.
// Ignore entries are path prefixes; exclude entries are exact paths, matched
// after canonicalization.
func NewBuilder(root string, ignore []string, exclude ...string) *Builder {
	b := &Builder{
		root:    filepath.Clean(root),
		ignore:  ignore,
		exclude: make(map[string]bool, len(exclude)),
		cwd:     make(map[int]string),
		entries: make(AccessLog),
	}
	for _, p := range exclude {
		b.exclude[Canonical(p)] = true
	}
	return b
}

// Add folds one event into the log.
func (b *Builder) Add(ev Event) {
	switch ev.Op {
	case OpChdir:
		// A pid first seen here inherits nothing; the resolved target
		// becomes its directory. Children of an untracked fork resolve
		// against the engine root, since file-only tracing reports no
		// clone events.
		b.cwd[ev.PID] = b.resolve(ev.PID, ev.Dir, ev.Path)
	case OpOpen:
		b.addOpen(ev)
	case OpUnlink:
		delete(b.entries, b.resolve(ev.PID, ev.Dir, ev.Path))
	case OpRename:
		b.addRename(ev)
	}
}

func (b *Builder) addOpen(ev Event) {
	path := b.resolve(ev.PID, ev.Dir, ev.Path)
	if b.skip(path) {
		return
	}

	var kind walkfile.Kind
	switch {
	case ev.Failed && ev.Read && !ev.Write:
		kind = walkfile.FailedRead
	case ev.Failed:
		// A failed open for writing tells us nothing about inputs or
		// outputs.
		return
	case ev.Read && ev.Write:
		kind = walkfile.ReadWrite
	case ev.Write:
		kind = walkfile.Write
	case ev.Read:
		kind = walkfile.Read
	default:
		return
	}

	if !ev.Failed {
		// Directory opens carry no useful content identity.
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			return
		}
	}

	if prev, ok := b.entries[path]; ok {
		b.entries[path] = prev.Merge(kind)
	} else {
		b.entries[path] = kind
	}
}

// addRename transfers a written entry from the rename source to its
// destination. Writing a temp file and renaming it over the real output is a
// common idiom; the record must list the final path, not the temp name. A
// rename of a path this command never wrote removes both sides, since their
// provenance is unknown.
func (b *Builder) addRename(ev Event) {
	from := b.resolve(ev.PID, ev.Dir, ev.Path)
	to := b.resolve(ev.PID, ev.Dir2, ev.Path2)
	prev, ok := b.entries[from]
	if ok && (prev == walkfile.Write || prev == walkfile.ReadWrite) {
		delete(b.entries, from)
		if !b.skip(to) {
			b.entries[to] = prev
		}
		return
	}
	delete(b.entries, from)
	delete(b.entries, to)
}

// Log returns a copy of the accumulated access log.
func (b *Builder) Log() AccessLog {
	out := make(AccessLog, len(b.entries))
	for p, k := range b.entries {
		out[p] = k
	}
	return out
}

func (b *Builder) resolve(pid int, dir, path string) string {
	if !filepath.IsAbs(path) {
		base := dir
		if base == "" {
			base = b.cwd[pid]
		}
		if base == "" {
			base = b.root
		}
		path = filepath.Join(base, path)
	}
	return Canonical(path)
}

func (b *Builder) skip(path string) bool {
	if b.exclude[path] {
		return true
	}
	for _, root := range b.ignore {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// Canonical resolves symlinks where the path exists and otherwise falls back
// to a lexical cleanup, so failed reads of never-created paths still get a
// stable form.
func Canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

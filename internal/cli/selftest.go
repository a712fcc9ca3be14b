package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cgdae/walk/internal/config"
	"github.com/cgdae/walk/internal/engine"
	"github.com/cgdae/walk/internal/walkfile"
)

// selfTest exercises the engine end to end with the configured tracer
// backend. The quick set uses only shell utilities; the broad set adds a
// real compilation and, under the trace backend only, the rename scenario,
// which re-invokes this binary with --test-abc.
func selfTest(cfg config.Config, broad bool) error {
	eng, err := engine.New(cfg, engine.WithLogger(slog.Default()))
	if err != nil {
		return &ExitError{Code: ExitInternal, Message: "initializing engine", Err: err}
	}

	type step struct {
		name string
		fn   func(*engine.Engine, string) error
	}
	steps := []step{
		{"skip and input change", testSkipAndChange},
		{"failed read materialization", testFailedRead},
		{"interrupted record", testInterrupted},
		{"concurrent builds", testConcurrent},
	}
	if broad {
		steps = append(steps, step{"compilation", testCompile})
		if eng.Method() == "trace" {
			// The rename helper is this Go binary, which reaches the
			// kernel without libc; the preload shim cannot observe it.
			steps = append(steps, step{"rename", testRename})
		}
	}

	for _, step := range steps {
		// Work under the current directory, not the system temp tree: /tmp
		// is on the default ignore list, and ignored accesses would never
		// be recorded.
		dir, err := os.MkdirTemp(".", "walk-selftest-")
		if err != nil {
			return &ExitError{Code: ExitInternal, Message: "creating temp dir", Err: err}
		}
		if dir, err = filepath.Abs(dir); err != nil {
			return &ExitError{Code: ExitInternal, Message: "resolving temp dir", Err: err}
		}
		slog.Info("self-test", "step", step.name)
		err = step.fn(eng, dir)
		os.RemoveAll(dir)
		if err != nil {
			return &ExitError{Code: 1, Message: fmt.Sprintf("self-test %q failed", step.name), Err: err}
		}
	}
	fmt.Println("self-tests passed")
	return nil
}

// runCount counts executions via a marker file the test commands append to.
func runCount(marker string) int {
	data, err := os.ReadFile(marker)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "\n")
}

func runStep(eng *engine.Engine, command, walkPath string) (int, error) {
	// Commands in earlier steps mutated files; a fresh run must see them.
	eng.ResetCache()
	return eng.Run(context.Background(), engine.Request{Command: command, WalkPath: walkPath})
}

func expectRuns(eng *engine.Engine, command, walkPath, marker string, want int) error {
	exit, err := runStep(eng, command, walkPath)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("command exited %d", exit)
	}
	if got := runCount(marker); got != want {
		return fmt.Errorf("command ran %d times, want %d", got, want)
	}
	return nil
}

func testSkipAndChange(eng *engine.Engine, dir string) error {
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	m := filepath.Join(dir, "m")
	w := filepath.Join(dir, "b.walk")
	if err := os.WriteFile(a, []byte("one\n"), 0o666); err != nil {
		return err
	}

	command := fmt.Sprintf("cat %s > %s && echo ran >> %s", a, b, m)
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("initial run: %w", err)
	}
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("unchanged rerun: %w", err)
	}
	if err := os.WriteFile(a, []byte("two\n"), 0o666); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 2); err != nil {
		return fmt.Errorf("after input change: %w", err)
	}
	if err := os.Remove(b); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 3); err != nil {
		return fmt.Errorf("after output removal: %w", err)
	}
	return nil
}

func testFailedRead(eng *engine.Engine, dir string) error {
	maybe := filepath.Join(dir, "maybe")
	m := filepath.Join(dir, "m")
	w := filepath.Join(dir, "probe.walk")

	command := fmt.Sprintf("cat %s 2>/dev/null; echo ran >> %s", maybe, m)
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("initial run: %w", err)
	}
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("still-absent rerun: %w", err)
	}
	if err := os.WriteFile(maybe, []byte("here\n"), 0o666); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 2); err != nil {
		return fmt.Errorf("after path appeared: %w", err)
	}
	return nil
}

func testInterrupted(eng *engine.Engine, dir string) error {
	m := filepath.Join(dir, "m")
	w := filepath.Join(dir, "t.walk")

	command := fmt.Sprintf("echo ran >> %s", m)
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("initial run: %w", err)
	}
	// Simulate a run that died between launch and record.
	if err := walkfile.MarkInFlight(w); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 2); err != nil {
		return fmt.Errorf("after interrupted record: %w", err)
	}
	return nil
}

func testConcurrent(eng *engine.Engine, dir string) error {
	eng.ResetCache()
	pool := eng.Pool()
	defer pool.End()

	submit := func() error {
		for i := 0; i < 4; i++ {
			in := filepath.Join(dir, fmt.Sprintf("in%d", i))
			out := filepath.Join(dir, fmt.Sprintf("out%d", i))
			m := filepath.Join(dir, fmt.Sprintf("m%d", i))
			w := filepath.Join(dir, fmt.Sprintf("c%d.walk", i))
			if err := os.WriteFile(in, []byte(fmt.Sprintf("input %d\n", i)), 0o666); err != nil {
				return err
			}
			req := engine.Request{
				Command:  fmt.Sprintf("cat %s > %s && echo ran >> %s", in, out, m),
				WalkPath: w,
			}
			if err := pool.System(context.Background(), req); err != nil {
				return err
			}
		}
		return pool.Join()
	}

	if err := submit(); err != nil {
		return fmt.Errorf("first round: %w", err)
	}
	// The same submissions again must all skip.
	if err := submit(); err != nil {
		return fmt.Errorf("second round: %w", err)
	}
	for i := 0; i < 4; i++ {
		if got := runCount(filepath.Join(dir, fmt.Sprintf("m%d", i))); got != 1 {
			return fmt.Errorf("command %d ran %d times, want 1", i, got)
		}
		if _, err := walkfile.ReadRecord(filepath.Join(dir, fmt.Sprintf("c%d.walk", i))); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func testCompile(eng *engine.Engine, dir string) error {
	src := filepath.Join(dir, "walk_test_foo.c")
	hdr := filepath.Join(dir, "walk_test_foo.h")
	exe := filepath.Join(dir, "walk_test_foo.exe")
	m := filepath.Join(dir, "m")
	w := exe + ".walk"

	if err := os.WriteFile(src, []byte("#include \"walk_test_foo.h\"\nint main(void){ return 0; }\n"), 0o666); err != nil {
		return err
	}
	if err := os.WriteFile(hdr, []byte("\n"), 0o666); err != nil {
		return err
	}

	command := fmt.Sprintf("cc -W -Wall -o %s %s && echo ran >> %s", exe, src, m)
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("initial build: %w", err)
	}
	if _, err := os.Stat(exe); err != nil {
		return fmt.Errorf("executable missing after build: %w", err)
	}
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("unchanged rebuild: %w", err)
	}
	if err := os.WriteFile(hdr, []byte("#define WALK_TEST 1\n"), 0o666); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 2); err != nil {
		return fmt.Errorf("after header change: %w", err)
	}
	return nil
}

func testRename(eng *engine.Engine, dir string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	m := filepath.Join(dir, "m")
	w := filepath.Join(dir, "abc.walk")

	if err := os.WriteFile(a, []byte("one\n"), 0o666); err != nil {
		return err
	}

	// Reads a, writes b, renames b to c: the record must list c, not b.
	command := fmt.Sprintf("%s --test-abc %s %s %s && echo ran >> %s", self, a, b, c, m)
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("initial run: %w", err)
	}
	rec, err := walkfile.ReadRecord(w)
	if err != nil {
		return err
	}
	sawC := false
	for _, acc := range rec.Accesses {
		if acc.Path == c {
			sawC = true
		}
		if acc.Path == b {
			return errors.New("record lists the temp name instead of the rename target")
		}
	}
	if !sawC {
		return errors.New("record does not list the rename target")
	}
	if err := expectRuns(eng, command, w, m, 1); err != nil {
		return fmt.Errorf("unchanged rerun: %w", err)
	}
	if err := os.WriteFile(a, []byte("two\n"), 0o666); err != nil {
		return err
	}
	if err := expectRuns(eng, command, w, m, 2); err != nil {
		return fmt.Errorf("after input change: %w", err)
	}
	return nil
}

// testProfile measures the time to parse one walk file, the hot path of
// every invocation.
func testProfile(walkPath string) error {
	deadline := time.Now().Add(2 * time.Second)
	iterations := 0
	start := time.Now()
	for time.Now().Before(deadline) {
		if _, err := walkfile.ReadRecord(walkPath); err != nil {
			return &ExitError{Code: ExitInternal, Message: "parsing walk file", Err: err}
		}
		iterations++
	}
	elapsed := time.Since(start)
	fmt.Printf("%d iterations in %s: %s/iteration\n",
		iterations, elapsed.Round(time.Millisecond), (elapsed / time.Duration(iterations)).Round(time.Microsecond))
	return nil
}

// timeLoadAll parses every walk file under root and reports totals.
func timeLoadAll(root string) error {
	var (
		count   int
		invalid int
		total   time.Duration
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".walk") {
			return nil
		}
		start := time.Now()
		_, rerr := walkfile.ReadRecord(path)
		total += time.Since(start)
		count++
		if rerr != nil {
			invalid++
		}
		return nil
	})
	if err != nil {
		return &ExitError{Code: ExitInternal, Message: "walking " + root, Err: err}
	}
	if count == 0 {
		fmt.Printf("no walk files under %s\n", root)
		return nil
	}
	fmt.Printf("parsed %d walk files (%d invalid or interrupted) in %s: %s/file\n",
		count, invalid, total.Round(time.Millisecond), (total / time.Duration(count)).Round(time.Microsecond))
	return nil
}

// Package cli implements the walk command line front-end.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cgdae/walk/internal/config"
	"github.com/cgdae/walk/internal/engine"
	"github.com/cgdae/walk/internal/history"
)

// Options holds the root command flags.
type Options struct {
	Verbose     bool
	Config      string
	Method      string
	Force       int
	New         []string
	Description string
	History     string

	Doctest     bool
	Test        bool
	TestABC     bool
	TestProfile string
	TimeLoadAll string
}

// NewRootCommand creates the walk command.
//
// Flag parsing stops at the first positional argument, so the memoized
// command's own flags pass through untouched:
//
//	walk a.o.walk cc -c -o a.o a.c
func NewRootCommand() *cobra.Command {
	opts := &Options{Force: -1}

	cmd := &cobra.Command{
		Use:   "walk [flags] <walk-path> <command>...",
		Short: "Run a command only when it could change its outputs",
		Long: `Walk runs a command and records which files it and its descendants read
and wrote, along with each file's content digest. On later invocations with
the same walk path, the command is skipped when the command text and every
recorded file are unchanged.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}

	cmd.Flags().SetInterspersed(false)

	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.Flags().StringVarP(&opts.Method, "method", "m", "", "tracer backend (trace|preload)")
	cmd.Flags().IntVarP(&opts.Force, "force", "f", -1, "0 never run the command, 1 always run it")
	cmd.Flags().StringArrayVar(&opts.New, "new", nil, "treat path as newly modified; may repeat")
	cmd.Flags().StringVar(&opts.Description, "description", "", "human-readable tag for diagnostics")
	cmd.Flags().StringVar(&opts.History, "history", "", "append run decisions to this SQLite database")

	cmd.Flags().BoolVar(&opts.Doctest, "doctest", false, "run embedded self-tests")
	cmd.Flags().BoolVar(&opts.Test, "test", false, "run broader self-tests")
	cmd.Flags().BoolVar(&opts.TestABC, "test-abc", false, "read arg 1, write arg 2, rename arg 2 to arg 3")
	cmd.Flags().StringVar(&opts.TestProfile, "test-profile", "", "measure time to parse one walk file")
	cmd.Flags().StringVar(&opts.TimeLoadAll, "time-load-all", "", "recursively time parsing every walk file under a root")

	return cmd
}

func run(opts *Options, args []string) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(opts)
	if err != nil {
		return &ExitError{Code: ExitInternal, Message: "loading config", Err: err}
	}

	switch {
	case opts.TestABC:
		if len(args) != 3 {
			return &ExitError{Code: ExitInternal, Message: "--test-abc needs exactly three paths"}
		}
		return testABC(args[0], args[1], args[2])
	case opts.TestProfile != "":
		return testProfile(opts.TestProfile)
	case opts.TimeLoadAll != "":
		return timeLoadAll(opts.TimeLoadAll)
	case opts.Doctest:
		return selfTest(cfg, false)
	case opts.Test:
		return selfTest(cfg, true)
	}

	if len(args) < 2 {
		return &ExitError{Code: ExitInternal, Message: "usage: walk [flags] <walk-path> <command>..."}
	}
	walkPath := args[0]
	command := strings.Join(args[1:], " ")

	var hist *history.Store
	if cfg.HistoryDB != "" {
		hist, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return &ExitError{Code: ExitInternal, Message: "opening history", Err: err}
		}
		defer hist.Close()
	}

	engOpts := []engine.Option{engine.WithLogger(slog.Default())}
	if hist != nil {
		engOpts = append(engOpts, engine.WithHistory(hist))
	}
	eng, err := engine.New(cfg, engOpts...)
	if err != nil {
		return &ExitError{Code: ExitInternal, Message: "initializing engine", Err: err}
	}
	for _, p := range opts.New {
		eng.MarkModified(p)
	}

	req := engine.Request{
		Command:     command,
		WalkPath:    walkPath,
		Description: opts.Description,
		Force:       forceOf(opts.Force),
	}

	// In-flight children see the interrupt themselves via the shared
	// process group; the context stops the engine from starting more work.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exit, err := eng.Run(ctx, req)
	if err != nil {
		return &ExitError{Code: ExitInternal, Message: "engine error", Err: err}
	}
	if exit != 0 {
		// The command already wrote its own diagnostics.
		return &ExitError{Code: exit}
	}
	return nil
}

func loadConfig(opts *Options) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	if opts.Method != "" {
		cfg.Method = opts.Method
	}
	if opts.History != "" {
		cfg.HistoryDB = opts.History
	}
	return cfg, nil
}

func forceOf(flag int) engine.Force {
	switch flag {
	case 0:
		return engine.ForceNever
	case 1:
		return engine.ForceAlways
	case -1:
		return engine.ForceDefault
	}
	// Any other value behaves like 1.
	return engine.ForceAlways
}

// testABC reads the first path, writes the second, and renames the second
// over the third. The rename self-test runs this through the engine to check
// that a written-then-renamed file is recorded under its final name.
func testABC(a, b, c string) error {
	if _, err := os.ReadFile(a); err != nil {
		return &ExitError{Code: 1, Message: fmt.Sprintf("reading %s", a), Err: err}
	}
	if err := os.WriteFile(b, []byte("abc\n"), 0o666); err != nil {
		return &ExitError{Code: 1, Message: fmt.Sprintf("writing %s", b), Err: err}
	}
	if err := os.Rename(b, c); err != nil {
		return &ExitError{Code: 1, Message: fmt.Sprintf("renaming %s", b), Err: err}
	}
	return nil
}

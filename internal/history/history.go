// Package history keeps an optional record of the engine's run decisions in
// a SQLite database.
//
// The history is diagnostics only. It is written best effort and never
// participates in the memoization protocol; losing or deleting it changes
// nothing about which commands run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	walk_path  TEXT NOT NULL,
	command    TEXT NOT NULL,
	ran        INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	exit_code  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	started_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_walk_path ON runs(walk_path, started_at);
`

// Store is a handle to the history database. Safe for concurrent use; the
// engine's workers append from multiple goroutines.
type Store struct {
	db *sql.DB
}

// Run is one row of the history: a single run/skip decision.
type Run struct {
	ID        string
	WalkPath  string
	Command   string
	Ran       bool
	Reason    string
	Exit      int
	Duration  time.Duration
	StartedAt time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts one run record. Duplicate IDs are silently ignored.
func (s *Store) Append(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, walk_path, command, ran, reason, exit_code, duration_ns, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID,
		r.WalkPath,
		r.Command,
		r.Ran,
		r.Reason,
		r.Exit,
		r.Duration.Nanoseconds(),
		// Fixed-width fraction, so text order in Recent is time order.
		r.StartedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs for walkPath, newest first. An empty
// walkPath returns runs for every walk file.
func (s *Store) Recent(ctx context.Context, walkPath string, limit int) ([]Run, error) {
	query := `
		SELECT id, walk_path, command, ran, reason, exit_code, duration_ns, started_at
		FROM runs`
	args := []any{}
	if walkPath != "" {
		query += ` WHERE walk_path = ?`
		args = append(args, walkPath)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			durNS   int64
			started string
		)
		if err := rows.Scan(&r.ID, &r.WalkPath, &r.Command, &r.Ran, &r.Reason, &r.Exit, &durNS, &started); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Duration = time.Duration(durNS)
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

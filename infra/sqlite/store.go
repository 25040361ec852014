// Package sqlite reads test-run records from the archive database exported
// by the test-management system.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scalewatch"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	stream       TEXT NOT NULL,
	status       TEXT NOT NULL,
	submitted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_status ON runs (status);
`

// RunStore implements observe.Archive backed by SQLite.
type RunStore struct {
	db *sql.DB
}

func Open(path string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &RunStore{db: db}, nil
}

// EnsureSchema creates the runs table if the exporter has not done so yet.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// ListRuns returns every run in one of the given statuses, oldest first.
// With no statuses it returns every run.
func (s *RunStore) ListRuns(ctx context.Context, statuses ...scalewatch.RunStatus) ([]scalewatch.RunRecord, error) {
	query := `SELECT run_id, stream, status, submitted_at FROM runs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, st.String())
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY submitted_at, run_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []scalewatch.RunRecord
	for rows.Next() {
		var id, stream, status, submitted string
		if err := rows.Scan(&id, &stream, &status, &submitted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		// A malformed exporter row must not hide the rest of the backlog.
		st, ok := scalewatch.ParseRunStatus(status)
		if !ok {
			slog.Warn("skipping archive run with unknown status", "run", id, "status", status)
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, submitted)
		if err != nil {
			slog.Warn("skipping archive run with bad submitted_at", "run", id, "err", err)
			continue
		}
		out = append(out, scalewatch.RunRecord{ID: id, Stream: stream, Status: st, SubmittedAt: at})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// PutRun inserts or replaces a run. The monitor itself never writes runs;
// this is the exporter's write path.
func (s *RunStore) PutRun(ctx context.Context, run scalewatch.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, stream, status, submitted_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET stream = excluded.stream, status = excluded.status, submitted_at = excluded.submitted_at`,
		run.ID, run.Stream, run.Status.String(), run.SubmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put run %s: %w", run.ID, err)
	}
	return nil
}

func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Package ledger keeps a durable audit trail of verification runs in a
// local SQLite database. Every run is recorded before its failure surfaces,
// so a waiver decision stays auditable after the fact.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store persists run records to a single SQLite table.
type Store struct {
	db   *sql.DB
	path string
}

// Run is one recorded verification or capture run.
type Run struct {
	ID               int64
	Direction        string
	WaiverSet        bool
	Verdict          string
	Error            string
	InitialDiffPath  string
	RecoveryDiffPath string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "compatcheck.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		waiver_set INTEGER NOT NULL,
		verdict TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		initial_diff_path TEXT NOT NULL DEFAULT '',
		recovery_diff_path TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Begin records the start of a run and returns its id.
func (s *Store) Begin(ctx context.Context, direction string, waiverSet bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (direction, waiver_set, started_at) VALUES (?, ?, ?)`,
		direction, boolInt(waiverSet), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("record run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// Finish records the outcome of a run, including retained artifact paths.
func (s *Store) Finish(ctx context.Context, id int64, verdict, errMsg, initialDiff, recoveryDiff string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET verdict = ?, error = ?, initial_diff_path = ?, recovery_diff_path = ?, finished_at = ? WHERE id = ?`,
		verdict, errMsg, initialDiff, recoveryDiff, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// Runs returns every recorded run, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, waiver_set, verdict, error, initial_diff_path, recovery_diff_path, started_at, finished_at
		 FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Run
	for rows.Next() {
		var r Run
		var waiver int
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Direction, &waiver, &r.Verdict, &r.Error,
			&r.InitialDiffPath, &r.RecoveryDiffPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.WaiverSet = waiver != 0
		if started != "" {
			r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		}
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

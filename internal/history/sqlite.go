package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/pingsantohq/readiness/pkg/types"
)

// SQLiteStore implements Store backed by a local SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, limit int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("open sqlite history: path required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS runs (
			timestamp INTEGER PRIMARY KEY,
			datetime TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			private_ip TEXT NOT NULL DEFAULT '',
			public_ip TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			total_tests INTEGER NOT NULL DEFAULT 0,
			passed INTEGER NOT NULL DEFAULT 0,
			warnings INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			results_json TEXT NOT NULL DEFAULT '{}'
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, run types.HistoryDetail) (types.HistoryEntry, error) {
	resultsJSON, err := json.Marshal(run.Results)
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("encode results: %w", err)
	}
	sum := run.Results.Summary()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT OR IGNORE INTO runs (
		timestamp, datetime, device_name, private_ip, public_ip, job_id,
		total_tests, passed, warnings, failed, results_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	saved := false
	for ts := run.Timestamp; ts < run.Timestamp+maxBump; ts++ {
		candidate := withTimestamp(run, ts)
		res, err := tx.ExecContext(ctx, insert,
			candidate.Timestamp, candidate.Datetime, candidate.DeviceName, candidate.PrivateIP,
			candidate.PublicIP, candidate.JobID, sum.TotalTests, sum.Passed, sum.Warnings, sum.Failed,
			string(resultsJSON))
		if err != nil {
			return types.HistoryEntry{}, fmt.Errorf("insert run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			run = candidate
			saved = true
			break
		}
	}
	if !saved {
		return types.HistoryEntry{}, errTimestampExhausted(run.Timestamp)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE timestamp NOT IN (SELECT timestamp FROM runs ORDER BY timestamp DESC LIMIT ?)`,
		s.limit); err != nil {
		return types.HistoryEntry{}, fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.HistoryEntry{}, fmt.Errorf("commit save: %w", err)
	}
	return run.Entry(), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, datetime, device_name, private_ip, public_ip, job_id,
		total_tests, passed, warnings, failed FROM runs ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := []types.HistoryEntry{}
	for rows.Next() {
		var e types.HistoryEntry
		if err := rows.Scan(&e.Timestamp, &e.Datetime, &e.DeviceName, &e.PrivateIP, &e.PublicIP, &e.JobID,
			&e.Summary.TotalTests, &e.Summary.Passed, &e.Summary.Warnings, &e.Summary.Failed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, ts int64) (types.HistoryDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT timestamp, datetime, device_name, private_ip, public_ip, job_id, results_json
		FROM runs WHERE timestamp = ?`, ts)
	var (
		d       types.HistoryDetail
		payload string
	)
	if err := row.Scan(&d.Timestamp, &d.Datetime, &d.DeviceName, &d.PrivateIP, &d.PublicIP, &d.JobID, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.HistoryDetail{}, ErrNotFound
		}
		return types.HistoryDetail{}, fmt.Errorf("get history: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &d.Results); err != nil {
		return types.HistoryDetail{}, fmt.Errorf("decode results: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ts int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE timestamp = ?`, ts)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pingsantohq/readiness/pkg/types"
)

// PostgresStore implements Store backed by PostgreSQL, for fleets that
// centralize history.
type PostgresStore struct {
	pool  *pgxpool.Pool
	limit int
}

// OpenPostgres connects using the supplied connection string and applies the schema.
func OpenPostgres(ctx context.Context, connString string, limit int) (*PostgresStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &PostgresStore{pool: pool, limit: limit}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS readiness_runs (
    timestamp    BIGINT PRIMARY KEY,
    datetime     TEXT NOT NULL,
    device_name  TEXT NOT NULL DEFAULT '',
    private_ip   TEXT NOT NULL DEFAULT '',
    public_ip    TEXT NOT NULL DEFAULT '',
    job_id       TEXT NOT NULL DEFAULT '',
    total_tests  INTEGER NOT NULL DEFAULT 0,
    passed       INTEGER NOT NULL DEFAULT 0,
    warnings     INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    results      JSONB NOT NULL DEFAULT '{}'::jsonb
);
`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, run types.HistoryDetail) (types.HistoryEntry, error) {
	resultsJSON, err := json.Marshal(run.Results)
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("encode results: %w", err)
	}
	sum := run.Results.Summary()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
INSERT INTO readiness_runs (
    timestamp, datetime, device_name, private_ip, public_ip, job_id,
    total_tests, passed, warnings, failed, results
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (timestamp) DO NOTHING;
`
	saved := false
	for ts := run.Timestamp; ts < run.Timestamp+maxBump; ts++ {
		candidate := withTimestamp(run, ts)
		tag, err := tx.Exec(ctx, insert,
			candidate.Timestamp, candidate.Datetime, candidate.DeviceName, candidate.PrivateIP,
			candidate.PublicIP, candidate.JobID, sum.TotalTests, sum.Passed, sum.Warnings, sum.Failed,
			resultsJSON)
		if err != nil {
			return types.HistoryEntry{}, fmt.Errorf("insert run: %w", err)
		}
		if tag.RowsAffected() == 1 {
			run = candidate
			saved = true
			break
		}
	}
	if !saved {
		return types.HistoryEntry{}, errTimestampExhausted(run.Timestamp)
	}

	const trim = `
DELETE FROM readiness_runs
 WHERE timestamp NOT IN (SELECT timestamp FROM readiness_runs ORDER BY timestamp DESC LIMIT $1);
`
	if _, err := tx.Exec(ctx, trim, p.limit); err != nil {
		return types.HistoryEntry{}, fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.HistoryEntry{}, fmt.Errorf("commit save: %w", err)
	}
	return run.Entry(), nil
}

func (p *PostgresStore) List(ctx context.Context) ([]types.HistoryEntry, error) {
	const query = `
SELECT timestamp, datetime, device_name, private_ip, public_ip, job_id,
       total_tests, passed, warnings, failed
  FROM readiness_runs
 ORDER BY timestamp DESC;
`
	rows, err := p.pool.Query(ctx, query)
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

func (p *PostgresStore) Get(ctx context.Context, ts int64) (types.HistoryDetail, error) {
	const query = `
SELECT timestamp, datetime, device_name, private_ip, public_ip, job_id, results
  FROM readiness_runs
 WHERE timestamp = $1;
`
	var (
		d       types.HistoryDetail
		payload []byte
	)
	err := p.pool.QueryRow(ctx, query, ts).Scan(&d.Timestamp, &d.Datetime, &d.DeviceName, &d.PrivateIP,
		&d.PublicIP, &d.JobID, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.HistoryDetail{}, ErrNotFound
		}
		return types.HistoryDetail{}, fmt.Errorf("get history: %w", err)
	}
	if err := json.Unmarshal(payload, &d.Results); err != nil {
		return types.HistoryDetail{}, fmt.Errorf("decode results: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Delete(ctx context.Context, ts int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM readiness_runs WHERE timestamp = $1`, ts)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM readiness_runs`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM readiness_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

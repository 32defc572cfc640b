package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pingsantohq/readiness/pkg/types"
)

// DefaultLimit is how many runs a store keeps before dropping the oldest.
const DefaultLimit = 100

// maxBump bounds how far Save walks forward looking for a free timestamp.
const maxBump = 1000

// ErrNotFound signals the absence of a run for the requested timestamp.
var ErrNotFound = errors.New("history entry not found")

// Store persists completed runs keyed by a unique unix-second timestamp.
type Store interface {
	// Save stores the run, moving its timestamp forward past any existing
	// run, and trims the store to its limit. It returns the stored index row.
	Save(ctx context.Context, run types.HistoryDetail) (types.HistoryEntry, error)
	// List returns index rows newest first.
	List(ctx context.Context) ([]types.HistoryEntry, error)
	Get(ctx context.Context, ts int64) (types.HistoryDetail, error)
	Delete(ctx context.Context, ts int64) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open constructs the store selected by driver: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string, limit int) (Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	switch driver {
	case "", "sqlite":
		s, err := OpenSQLite(ctx, dsn, limit)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := OpenPostgres(ctx, dsn, limit)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "memory":
		return NewMemoryStore(limit), nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
}

// NewRun assembles a history record from a finished job's results.
func NewRun(jobID string, results types.Results, now time.Time) types.HistoryDetail {
	run := types.HistoryDetail{
		Timestamp: now.Unix(),
		Datetime:  now.Format(types.DatetimeLayout),
		JobID:     jobID,
		Results:   results.Clone(),
	}
	if meta := results.Meta; meta != nil {
		run.DeviceName = meta.DeviceName
		run.PrivateIP = meta.PrivateIP
		run.PublicIP = meta.PublicIP
	}
	return run
}

// withTimestamp returns run moved to ts with its datetime kept in step.
func withTimestamp(run types.HistoryDetail, ts int64) types.HistoryDetail {
	if ts != run.Timestamp {
		run.Timestamp = ts
		run.Datetime = time.Unix(ts, 0).Format(types.DatetimeLayout)
	}
	return run
}

func errTimestampExhausted(ts int64) error {
	return fmt.Errorf("save history: no free timestamp within %d seconds of %d", maxBump, ts)
}

package history

import (
	"context"
	"sort"
	"sync"

	"github.com/pingsantohq/readiness/pkg/types"
)

type memoryStore struct {
	limit int

	mu   sync.RWMutex
	runs map[int64]types.HistoryDetail
}

// NewMemoryStore keeps runs in process memory only.
func NewMemoryStore(limit int) Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &memoryStore{limit: limit, runs: make(map[int64]types.HistoryDetail)}
}

func (m *memoryStore) Save(ctx context.Context, run types.HistoryDetail) (types.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := run.Timestamp
	for ; ts < run.Timestamp+maxBump; ts++ {
		if _, taken := m.runs[ts]; !taken {
			break
		}
	}
	if ts == run.Timestamp+maxBump {
		return types.HistoryEntry{}, errTimestampExhausted(run.Timestamp)
	}
	run = withTimestamp(run, ts)
	run.Results = run.Results.Clone()
	m.runs[ts] = run

	if len(m.runs) > m.limit {
		keys := m.sortedKeysLocked()
		for _, old := range keys[m.limit:] {
			delete(m.runs, old)
		}
	}
	return run.Entry(), nil
}

func (m *memoryStore) List(ctx context.Context) ([]types.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeysLocked()
	out := make([]types.HistoryEntry, 0, len(keys))
	for _, ts := range keys {
		out = append(out, m.runs[ts].Entry())
	}
	return out, nil
}

func (m *memoryStore) Get(ctx context.Context, ts int64) (types.HistoryDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[ts]
	if !ok {
		return types.HistoryDetail{}, ErrNotFound
	}
	run.Results = run.Results.Clone()
	return run, nil
}

func (m *memoryStore) Delete(ctx context.Context, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[ts]; !ok {
		return ErrNotFound
	}
	delete(m.runs, ts)
	return nil
}

func (m *memoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.runs = make(map[int64]types.HistoryDetail)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs), nil
}

func (m *memoryStore) Close() error {
	return nil
}

// sortedKeysLocked returns timestamps newest first.
func (m *memoryStore) sortedKeysLocked() []int64 {
	keys := make([]int64, 0, len(m.runs))
	for ts := range m.runs {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	return keys
}

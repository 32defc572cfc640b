// Package autotest watches the host network and starts a bounded burst of
// diagnostic runs whenever addressing or the default gateway changes.
package autotest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/pkg/types"
)

// StartFunc begins one diagnostic run and returns its job ID.
type StartFunc func() (string, error)

// Status describes the watcher for the settings page.
type Status struct {
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	Pending    int       `json:"pending" yaml:"pending"`
	Runs       int       `json:"runs" yaml:"runs"`
	LastJobID  string    `json:"last_job_id,omitempty" yaml:"last_job_id,omitempty"`
	LastChange time.Time `json:"last_change,omitempty" yaml:"last_change,omitempty"`
}

type Watcher struct {
	settings       func() types.Settings
	start          StartFunc
	snapshot       func() (NetworkState, error)
	metrics        *metrics.Store
	logger         *zap.SugaredLogger
	now            func() time.Time
	tickResolution time.Duration

	mu         sync.Mutex
	last       *NetworkState
	nextCheck  time.Time
	nextRun    time.Time
	pending    int
	runs       int
	lastJobID  string
	lastChange time.Time
}

type Option func(*Watcher)

func WithTickResolution(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSnapshot replaces the host network reader.
func WithSnapshot(fn func() (NetworkState, error)) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.snapshot = fn
		}
	}
}

func WithMetrics(m *metrics.Store) Option {
	return func(w *Watcher) { w.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func New(settings func() types.Settings, start StartFunc, opts ...Option) *Watcher {
	w := &Watcher{
		settings:       settings,
		start:          start,
		snapshot:       Snapshot,
		logger:         zap.NewNop().Sugar(),
		now:            time.Now,
		tickResolution: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tickResolution)
	defer ticker.Stop()

	w.tick(w.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(w.now())
		}
	}
}

// Status returns the watcher counters.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Enabled:    w.settings().AutoTestEnabled,
		Pending:    w.pending,
		Runs:       w.runs,
		LastJobID:  w.lastJobID,
		LastChange: w.lastChange,
	}
}

func (w *Watcher) tick(now time.Time) {
	s := w.settings()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.nextCheck) {
		w.nextCheck = now.Add(seconds(s.NetworkCheckSeconds, 10))
		w.checkLocked(now, s)
	}
	if !s.AutoTestEnabled {
		w.pending = 0
		return
	}
	if w.pending == 0 || now.Before(w.nextRun) {
		return
	}
	total := s.MaxAutoTests
	id, err := w.start()
	w.pending--
	w.nextRun = now.Add(seconds(s.TestIntervalSeconds, 300))
	if err != nil {
		w.logger.Warnw("auto test start failed", "err", err, "remaining", w.pending)
		return
	}
	w.runs++
	w.lastJobID = id
	if w.metrics != nil {
		w.metrics.AutoRunTriggered()
	}
	w.logger.Infow("auto test started", "job_id", id, "attempt", total-w.pending, "max", total)
}

func (w *Watcher) checkLocked(now time.Time, s types.Settings) {
	state, err := w.snapshot()
	if err != nil {
		w.logger.Warnw("network snapshot failed", "err", err)
		return
	}
	if w.last == nil {
		w.last = &state
		w.logger.Infow("initial network state", "interfaces", state.Interfaces, "gateway", state.Gateway)
		return
	}
	if w.last.Equal(state) {
		return
	}
	w.logger.Infow("network change detected", "previous", w.last.String(), "current", state.String())
	w.last = &state
	w.lastChange = now
	if w.metrics != nil {
		w.metrics.NetworkChanged()
	}
	if s.AutoTestEnabled {
		w.pending = s.MaxAutoTests
		w.nextRun = now
	}
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Package poller drives one diagnostic run from the dashboard side: it
// starts a job, polls its status on a fixed cadence, and folds each
// snapshot into the reconciled view model.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/reconcile"
	"github.com/pingsantohq/readiness/pkg/types"
)

// Interval is the fixed poll cadence.
const Interval = time.Second

var (
	ErrStartInFlight = errors.New("a start request is already in flight")
	ErrNotRetryable  = errors.New("retry requires the unknown state")
	ErrSuperseded    = errors.New("run superseded")
	ErrNoJobID       = errors.New("start response carried no job id")
)

// State is the lifecycle position of the current run.
type State int

const (
	Idle State = iota
	Starting
	Polling
	Completed
	// Unknown means the last poll failed. The job may still be running on
	// the appliance; Retry resumes polling the same job.
	Unknown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Polling:
		return "polling"
	case Completed:
		return "completed"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// API is the slice of the appliance REST surface the poller needs.
type API interface {
	StartJob(ctx context.Context) (types.StartResponse, error)
	JobStatus(ctx context.Context, jobID string) (types.JobStatus, error)
}

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// View is an immutable snapshot of the poller handed to observers.
type View struct {
	Version  uint64
	State    State
	JobID    string
	Progress int
	Model    reconcile.Model
	Err      error
	Stale    int
}

type Dependencies struct {
	API       API
	Logger    *zap.SugaredLogger
	NewTicker func(time.Duration) Ticker
	// OnUpdate receives views in version order, outside the poller's lock.
	// It must return promptly and must not call Start or Retry.
	OnUpdate func(View)
}

// Poller owns the single current-job slot: the job id and its timer.
type Poller struct {
	api       API
	logger    *zap.SugaredLogger
	newTicker func(time.Duration) Ticker
	onUpdate  func(View)

	mu       sync.Mutex
	state    State
	gen      uint64
	jobID    string
	progress int
	model    reconcile.Model
	err      error
	seq      uint64
	applied  uint64
	stale    int
	version  uint64
	ticker   Ticker
	cancel   context.CancelFunc

	notifyMu  sync.Mutex
	delivered uint64
}

func New(deps Dependencies) (*Poller, error) {
	if deps.API == nil {
		return nil, errors.New("api is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	newTicker := deps.NewTicker
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	return &Poller{
		api:       deps.API,
		logger:    logger,
		newTicker: newTicker,
		onUpdate:  deps.OnUpdate,
		model:     reconcile.NewModel(),
	}, nil
}

// View returns the current snapshot.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// Start abandons any current run, resets the view state and submits a new
// job. ctx bounds the start request and the polling that follows it.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Starting {
		p.mu.Unlock()
		return ErrStartInFlight
	}
	p.stopLocked()
	p.gen++
	gen := p.gen
	p.state = Starting
	p.jobID = ""
	p.progress = 0
	p.model = reconcile.NewModel()
	p.err = nil
	p.seq, p.applied, p.stale = 0, 0, 0
	starting := p.publishLocked()
	p.mu.Unlock()
	p.emit(starting)

	resp, err := p.api.StartJob(ctx)
	if err == nil && resp.JobID == "" {
		err = ErrNoJobID
	}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		p.state = Completed
		p.err = fmt.Errorf("start job: %w", err)
		view := p.publishLocked()
		p.mu.Unlock()
		p.logger.Warnw("start job failed", "err", err)
		p.emit(view)
		return view.Err
	}
	p.jobID = resp.JobID
	p.state = Polling
	p.installTimerLocked(ctx)
	view := p.publishLocked()
	p.mu.Unlock()
	p.logger.Infow("job started", "job_id", resp.JobID)
	p.emit(view)
	return nil
}

// Retry resumes polling the current job after a failed poll and issues one
// poll immediately.
func (p *Poller) Retry(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Unknown {
		p.mu.Unlock()
		return ErrNotRetryable
	}
	p.state = Polling
	p.err = nil
	runCtx, gen := p.installTimerLocked(ctx)
	view := p.publishLocked()
	p.mu.Unlock()
	p.logger.Infow("retrying job poll", "job_id", view.JobID)
	p.emit(view)

	p.tick(runCtx, gen)
	return nil
}

// Close stops the timer and abandons the current run without changing the
// appliance-side job.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.gen++
	if p.state == Starting || p.state == Polling {
		p.state = Idle
	}
}

// Tick issues one status request for the current job. It is a no-op
// outside the polling state. Responses older than the newest applied one,
// or belonging to an abandoned run, are discarded.
func (p *Poller) Tick(ctx context.Context) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.tick(ctx, gen)
}

// tick polls on behalf of timer generation gen. A tick whose timer was
// replaced before it got the lock is dropped without taking a sequence
// number.
func (p *Poller) tick(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != Polling {
		p.mu.Unlock()
		return
	}
	p.seq++
	seq, jobID := p.seq, p.jobID
	p.mu.Unlock()

	status, err := p.api.JobStatus(ctx, jobID)

	p.mu.Lock()
	view, changed := p.applyLocked(gen, seq, status, err)
	p.mu.Unlock()
	if changed {
		p.emit(view)
	}
}

func (p *Poller) applyLocked(gen, seq uint64, status types.JobStatus, err error) (View, bool) {
	if gen != p.gen || p.state != Polling {
		return View{}, false
	}
	if seq <= p.applied {
		p.stale++
		p.logger.Debugw("discarding stale poll response", "job_id", p.jobID, "seq", seq, "applied", p.applied)
		return View{}, false
	}
	p.applied = seq

	if err != nil {
		p.stopLocked()
		p.state = Unknown
		p.err = fmt.Errorf("poll job %s: %w", p.jobID, err)
		p.logger.Warnw("job poll failed", "job_id", p.jobID, "err", err)
		return p.publishLocked(), true
	}

	p.progress = clampProgress(status.Progress)
	if status.Results != nil {
		p.model = reconcile.Merge(p.model, *status.Results)
		if shrunk := p.model.Shrunk(); len(shrunk) > 0 {
			p.logger.Warnw("result set shrank between polls", "job_id", p.jobID, "kinds", shrunk)
		}
	}
	if status.Terminal() {
		p.stopLocked()
		p.state = Completed
		p.model = reconcile.Finalize(p.model)
		p.logger.Infow("job completed", "job_id", p.jobID, "progress", p.progress)
	}
	return p.publishLocked(), true
}

// installTimerLocked replaces the single timer slot and starts its loop.
// Each timer gets its own generation so responses issued under an earlier
// timer, including one from before a Retry, are discarded.
func (p *Poller) installTimerLocked(ctx context.Context) (context.Context, uint64) {
	p.stopLocked()
	p.gen++
	gen := p.gen
	runCtx, cancel := context.WithCancel(ctx)
	ticker := p.newTicker(Interval)
	p.ticker = ticker
	p.cancel = cancel
	go p.loop(runCtx, ticker, gen)
	return runCtx, gen
}

func (p *Poller) stopLocked() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// loop fires a poll on every tick without waiting for earlier polls, so a
// slow response never delays the cadence.
func (p *Poller) loop(ctx context.Context, ticker Ticker, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			go p.tick(ctx, gen)
		}
	}
}

func (p *Poller) publishLocked() View {
	p.version++
	return p.viewLocked()
}

func (p *Poller) viewLocked() View {
	return View{
		Version:  p.version,
		State:    p.state,
		JobID:    p.jobID,
		Progress: p.progress,
		Model:    p.model,
		Err:      p.err,
		Stale:    p.stale,
	}
}

func (p *Poller) emit(v View) {
	if p.onUpdate == nil {
		return
	}
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if v.Version <= p.delivered {
		return
	}
	p.delivered = v.Version
	p.onUpdate(v)
}

func clampProgress(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

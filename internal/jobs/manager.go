package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/health"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/internal/probe"
	"github.com/pingsantohq/readiness/pkg/types"
)

// ErrJobNotFound signals an unknown or pruned job ID.
var ErrJobNotFound = errors.New("job not found")

const (
	defaultRetention = time.Hour
	defaultMaxKept   = 50
)

// Planner turns targets into an ordered list of probe steps.
type Planner interface {
	Plan(types.Targets) []probe.Step
}

// CompleteFunc observes a finished job. Hooks run sequentially on the job's goroutine.
type CompleteFunc func(ctx context.Context, job Job)

type Config struct {
	Retention time.Duration
	MaxKept   int
}

type Dependencies struct {
	Planner Planner
	Targets func() types.Targets
	Meta    func(ctx context.Context) types.RunMeta
	Metrics *metrics.Store
	Health  *health.Checker
	Logger  *zap.SugaredLogger
	Now     func() time.Time
	NewID   func() string
}

// Job is a point-in-time copy of one run.
type Job struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Progress    int
	Done        bool
	// Interrupted marks a job cut short by Close. Its results are partial
	// and no completion hooks ran for it.
	Interrupted bool
	Results     types.Results
}

// Status renders the job the way the status endpoint reports it. A finished
// job carries both completion signals.
func (j Job) Status() types.JobStatus {
	results := j.Results.Clone()
	st := types.JobStatus{
		JobID:    j.ID,
		Progress: j.Progress,
		Status:   types.JobRunning,
		Done:     j.Done,
		Results:  &results,
	}
	switch {
	case j.Interrupted:
		st.Status = types.JobInterrupted
	case j.Done:
		st.Status = types.JobCompleted
	}
	return st
}

type job struct {
	id          string
	startedAt   time.Time
	finishedAt  time.Time
	progress    int
	done        bool
	interrupted bool
	results     types.Results
	finished    chan struct{}
}

func (j *job) snapshot() Job {
	return Job{
		ID:          j.id,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
		Progress:    j.progress,
		Done:        j.done,
		Interrupted: j.interrupted,
		Results:     j.results.Clone(),
	}
}

// Manager owns the registry of diagnostic jobs and runs each one on its own goroutine.
type Manager struct {
	cfg     Config
	planner Planner
	targets func() types.Targets
	meta    func(ctx context.Context) types.RunMeta
	metrics *metrics.Store
	health  *health.Checker
	logger  *zap.SugaredLogger
	now     func() time.Time
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	jobs       map[string]*job
	lastDoneID string
	hooks      []CompleteFunc
}

func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxKept <= 0 {
		cfg.MaxKept = defaultMaxKept
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return "job-" + uuid.NewString() }
	}
	targets := deps.Targets
	if targets == nil {
		targets = func() types.Targets { return types.Targets{} }
	}
	meta := deps.Meta
	if meta == nil {
		meta = func(context.Context) types.RunMeta { return types.RunMeta{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		planner: deps.Planner,
		targets: targets,
		meta:    meta,
		metrics: deps.Metrics,
		health:  deps.Health,
		logger:  logger,
		now:     now,
		newID:   newID,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
}

// OnComplete registers a hook that runs after every finished job.
func (m *Manager) OnComplete(fn CompleteFunc) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Start creates a job and begins executing it in the background.
func (m *Manager) Start() (string, error) {
	if m.planner == nil {
		return "", errors.New("start job: no probe planner configured")
	}
	if err := m.ctx.Err(); err != nil {
		return "", errors.New("start job: manager closed")
	}
	steps := m.planner.Plan(m.targets())
	j := &job{
		id:        m.newID(),
		startedAt: m.now(),
		finished:  make(chan struct{}),
	}

	m.mu.Lock()
	m.pruneLocked(j.startedAt)
	m.jobs[j.id] = j
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.JobStarted()
	}
	if m.health != nil {
		m.health.JobStarted(j.id, j.startedAt)
	}
	m.logger.Infow("job started", "job_id", j.id, "steps", len(steps))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(j, steps)
	}()
	return j.id, nil
}

func (m *Manager) run(j *job, steps []probe.Step) {
	defer close(j.finished)
	total := len(steps)
	for i, step := range steps {
		if m.ctx.Err() != nil {
			break
		}
		res := step.Run(m.ctx)
		if m.metrics != nil {
			m.metrics.ProbeResult(string(step.Kind), string(res.Status))
		}
		if res.Status == types.StatusFail {
			m.logger.Debugw("probe failed", "job_id", j.id, "kind", step.Kind, "target", res.Target, "err", res.Error)
		}
		m.mu.Lock()
		j.results.Add(step.Kind, res)
		j.progress = (i + 1) * 100 / total
		m.mu.Unlock()
	}

	if m.ctx.Err() != nil {
		m.interrupt(j)
		return
	}

	meta := m.meta(m.ctx)
	m.mu.Lock()
	j.results.Meta = &meta
	j.progress = 100
	j.done = true
	j.finishedAt = m.now()
	m.lastDoneID = j.id
	snap := j.snapshot()
	hooks := append([]CompleteFunc(nil), m.hooks...)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.JobCompleted()
	}
	if m.health != nil {
		m.health.JobFinished(j.id)
	}
	summary := snap.Results.Summary()
	m.logger.Infow("job completed", "job_id", j.id, "passed", summary.Passed,
		"warnings", summary.Warnings, "failed", summary.Failed,
		"duration", snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond))

	for _, hook := range hooks {
		hook(m.ctx, snap)
	}
}

// interrupt finishes a job cut short by Close. It is not recorded as the
// latest run and completion hooks are skipped.
func (m *Manager) interrupt(j *job) {
	m.mu.Lock()
	j.done = true
	j.interrupted = true
	j.finishedAt = m.now()
	completed, progress := j.results.Summary().TotalTests, j.progress
	m.mu.Unlock()

	if m.health != nil {
		m.health.JobFinished(j.id)
	}
	m.logger.Warnw("job interrupted", "job_id", j.id, "completed_results", completed, "progress", progress)
}

// Get returns a copy of the job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Status returns the progress snapshot for id.
func (m *Manager) Status(id string) (types.JobStatus, error) {
	j, err := m.Get(id)
	if err != nil {
		return types.JobStatus{}, err
	}
	return j.Status(), nil
}

// Latest returns the most recently finished job.
func (m *Manager) Latest() (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[m.lastDoneID]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Running reports how many jobs are still executing.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, j := range m.jobs {
		if !j.done {
			n++
		}
	}
	return n
}

// Wait blocks until the job and its completion hooks have finished.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-j.finished:
	}
	return m.Get(id)
}

// Close interrupts running jobs and waits for their goroutines.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// pruneLocked drops finished jobs past the retention window, then the oldest
// finished jobs beyond MaxKept. Running jobs are never pruned.
func (m *Manager) pruneLocked(now time.Time) {
	var finished []*job
	for id, j := range m.jobs {
		if !j.done {
			continue
		}
		if now.Sub(j.finishedAt) > m.cfg.Retention {
			delete(m.jobs, id)
			continue
		}
		finished = append(finished, j)
	}
	if excess := len(m.jobs) + 1 - m.cfg.MaxKept; excess > 0 {
		sort.Slice(finished, func(i, k int) bool { return finished[i].finishedAt.Before(finished[k].finishedAt) })
		for i := 0; i < excess && i < len(finished); i++ {
			delete(m.jobs, finished[i].id)
		}
	}
}

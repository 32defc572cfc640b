package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pingsantohq/readiness/internal/reconcile"
	"github.com/pingsantohq/readiness/pkg/types"
)

type fakeTicker struct {
	ch      chan time.Time
	factory *tickerFactory
	once    sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.once.Do(func() {
		t.factory.mu.Lock()
		t.factory.active--
		t.factory.mu.Unlock()
	})
}

type tickerFactory struct {
	mu      sync.Mutex
	active  int
	created []*fakeTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), factory: f}
	f.active++
	f.created = append(f.created, t)
	return t
}

func (f *tickerFactory) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type statusFunc func(call int, jobID string) (types.JobStatus, error)

type fakeAPI struct {
	mu       sync.Mutex
	startErr error
	starts   int
	calls    int
	status   statusFunc
	gate     chan struct{}
}

func (a *fakeAPI) StartJob(ctx context.Context) (types.StartResponse, error) {
	a.mu.Lock()
	a.starts++
	n := a.starts
	err := a.startErr
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return types.StartResponse{}, err
	}
	return types.StartResponse{JobID: "job-" + string(rune('0'+n))}, nil
}

func (a *fakeAPI) JobStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	fn := a.status
	a.mu.Unlock()
	if fn == nil {
		return types.JobStatus{Progress: 10, Status: types.JobRunning}, nil
	}
	return fn(n, jobID)
}

func newTestPoller(t *testing.T, api *fakeAPI, onUpdate func(View)) (*Poller, *tickerFactory) {
	t.Helper()
	factory := &tickerFactory{}
	p, err := New(Dependencies{API: api, NewTicker: factory.New, OnUpdate: onUpdate})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	t.Cleanup(p.Close)
	return p, factory
}

func TestStartEntersPollingWithOneTimer(t *testing.T) {
	api := &fakeAPI{}
	p, factory := newTestPoller(t, api, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	view := p.View()
	if view.State != Polling || view.JobID != "job-1" {
		t.Fatalf("unexpected view after start: %+v", view)
	}
	if factory.Active() != 1 {
		t.Fatalf("expected one active timer, got %d", factory.Active())
	}
}

func TestStartTwiceKeepsSingleTimer(t *testing.T) {
	api := &fakeAPI{}
	p, factory := newTestPoller(t, api, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := factory.Active(); got != 1 {
		t.Fatalf("expected exactly one active timer, got %d", got)
	}
	if len(factory.created) != 2 {
		t.Fatalf("expected two timers to have been created, got %d", len(factory.created))
	}
	if p.View().JobID != "job-2" {
		t.Fatalf("expected second job to own the slot, got %s", p.View().JobID)
	}
}

func TestStartFailureCompletesWithoutJob(t *testing.T) {
	api := &fakeAPI{startErr: errors.New("connection refused")}
	p, factory := newTestPoller(t, api, nil)

	err := p.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}
	view := p.View()
	if view.State != Completed || view.JobID != "" {
		t.Fatalf("unexpected view after failed start: %+v", view)
	}
	if !errors.Is(view.Err, api.startErr) {
		t.Fatalf("expected view error to wrap start error, got %v", view.Err)
	}
	if factory.Active() != 0 {
		t.Fatalf("expected no timer after failed start")
	}
}

func TestStartRejectedWhileStarting(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{gate: gate}
	p, _ := newTestPoller(t, api, nil)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.View().State != Starting {
		if time.Now().After(deadline) {
			t.Fatalf("poller never entered starting")
		}
		time.Sleep(time.Millisecond)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStartInFlight) {
		t.Fatalf("expected ErrStartInFlight, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first start: %v", err)
	}
}

func TestTerminalSignals(t *testing.T) {
	cases := map[string]types.JobStatus{
		"status completed": {Progress: 100, Status: types.JobCompleted},
		"done flag":        {Progress: 100, Done: true},
	}
	for name, final := range cases {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{status: func(int, string) (types.JobStatus, error) { return final, nil }}
			p, factory := newTestPoller(t, api, nil)
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
			p.Tick(context.Background())

			view := p.View()
			if view.State != Completed {
				t.Fatalf("expected completed, got %s", view.State)
			}
			if view.Progress != 100 {
				t.Fatalf("expected progress 100, got %d", view.Progress)
			}
			if factory.Active() != 0 {
				t.Fatalf("expected timer stopped on completion")
			}
		})
	}
}

func TestDoneWithoutResultsLeavesCardsUntouched(t *testing.T) {
	api := &fakeAPI{status: func(int, string) (types.JobStatus, error) {
		return types.JobStatus{Progress: 100, Done: true}, nil
	}}
	p, _ := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Tick(context.Background())

	view := p.View()
	if view.State != Completed {
		t.Fatalf("expected completed, got %s", view.State)
	}
	for _, card := range view.Model.Cards() {
		if card.Status != reconcile.CardPending {
			t.Fatalf("expected %s to stay pending, got %s", card.Kind, card.Status)
		}
	}
}

func TestPollMergesResults(t *testing.T) {
	api := &fakeAPI{status: func(call int, _ string) (types.JobStatus, error) {
		if call == 1 {
			return types.JobStatus{Progress: 30, Status: types.JobRunning, Results: &types.Results{
				DNS: []types.TestResult{{Target: "8.8.8.8", Status: types.StatusPass}},
			}}, nil
		}
		return types.JobStatus{Progress: 60, Status: types.JobRunning, Results: &types.Results{
			DNS: []types.TestResult{{Target: "8.8.8.8", Status: types.StatusPass}},
			TCP: []types.TestResult{{Target: "b:443", Status: types.StatusFail}},
		}}, nil
	}}
	p, _ := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Tick(context.Background())
	p.Tick(context.Background())

	view := p.View()
	if view.State != Polling || view.Progress != 60 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Model.Card(types.KindDNS).Status != reconcile.CardPass {
		t.Fatalf("expected dns pass")
	}
	if view.Model.Card(types.KindTCP).Status != reconcile.CardFail {
		t.Fatalf("expected tcp fail")
	}
}

func TestOlderResponseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	issued := make(chan struct{})
	api := &fakeAPI{status: func(call int, _ string) (types.JobStatus, error) {
		if call == 1 {
			close(issued)
			<-release
			return types.JobStatus{Progress: 20, Status: types.JobRunning, Results: &types.Results{
				Ping: []types.TestResult{{Target: "1.1.1.1", Status: types.StatusPass}},
			}}, nil
		}
		return types.JobStatus{Progress: 60, Status: types.JobRunning, Results: &types.Results{
			Ping: []types.TestResult{{Target: "1.1.1.1", Status: types.StatusPass}, {Target: "9.9.9.9", Status: types.StatusFail}},
		}}, nil
	}}
	p, _ := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	slow := make(chan struct{})
	go func() {
		p.Tick(context.Background())
		close(slow)
	}()
	<-issued
	p.Tick(context.Background())
	close(release)
	<-slow

	view := p.View()
	if view.Progress != 60 {
		t.Fatalf("expected newer progress to stick, got %d", view.Progress)
	}
	if got := view.Model.Card(types.KindPing).Status; got != reconcile.CardFail {
		t.Fatalf("expected newer ping result to stick, got %s", got)
	}
	if view.Stale != 1 {
		t.Fatalf("expected one stale response, got %d", view.Stale)
	}
}

func TestPollFailureEntersUnknownAndRetryResumes(t *testing.T) {
	api := &fakeAPI{status: func(call int, _ string) (types.JobStatus, error) {
		if call == 1 {
			return types.JobStatus{}, errors.New("502 bad gateway")
		}
		return types.JobStatus{Progress: 100, Status: types.JobCompleted}, nil
	}}
	p, factory := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Tick(context.Background())

	view := p.View()
	if view.State != Unknown || view.Err == nil {
		t.Fatalf("expected unknown with error, got %+v", view)
	}
	if view.JobID != "job-1" {
		t.Fatalf("expected job handle to be kept for retry, got %q", view.JobID)
	}
	if factory.Active() != 0 {
		t.Fatalf("expected timer stopped in unknown state")
	}

	if err := p.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	view = p.View()
	if view.State != Completed || view.Err != nil {
		t.Fatalf("expected retry to reach completion, got %+v", view)
	}
	if factory.Active() != 0 {
		t.Fatalf("expected timer stopped after completion")
	}
}

func TestRetryOutsideUnknownIsRejected(t *testing.T) {
	p, _ := newTestPoller(t, &fakeAPI{}, nil)
	if err := p.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestResponsesForAbandonedRunAreIgnored(t *testing.T) {
	release := make(chan struct{})
	issued := make(chan struct{})
	api := &fakeAPI{status: func(call int, jobID string) (types.JobStatus, error) {
		if jobID == "job-1" {
			close(issued)
			<-release
			return types.JobStatus{Progress: 100, Done: true}, nil
		}
		return types.JobStatus{Progress: 5, Status: types.JobRunning}, nil
	}}
	p, _ := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	finished := make(chan struct{})
	go func() {
		p.Tick(context.Background())
		close(finished)
	}()
	<-issued

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	close(release)
	<-finished

	view := p.View()
	if view.State != Polling || view.JobID != "job-2" {
		t.Fatalf("abandoned run leaked into view: %+v", view)
	}
}

func TestObserverSeesOrderedVersions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	var last uint64
	api := &fakeAPI{status: func(int, string) (types.JobStatus, error) {
		return types.JobStatus{Progress: 100, Status: types.JobCompleted}, nil
	}}
	p, _ := newTestPoller(t, api, func(v View) {
		mu.Lock()
		defer mu.Unlock()
		if v.Version <= last {
			t.Errorf("version went backwards: %d after %d", v.Version, last)
		}
		last = v.Version
		states = append(states, v.State)
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []State{Starting, Polling, Completed}
	if len(states) != len(want) {
		t.Fatalf("unexpected states: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected states: %v", states)
		}
	}
}

func TestTickerDrivesPolls(t *testing.T) {
	polled := make(chan struct{}, 1)
	api := &fakeAPI{status: func(int, string) (types.JobStatus, error) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return types.JobStatus{Progress: 50, Status: types.JobRunning}, nil
	}}
	p, factory := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	factory.created[0].ch <- time.Now()
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick did not trigger a poll")
	}
}

func TestTickFromReplacedTimerIsDropped(t *testing.T) {
	api := &fakeAPI{status: func(int, string) (types.JobStatus, error) {
		return types.JobStatus{}, context.Canceled
	}}
	p, _ := newTestPoller(t, api, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.mu.Lock()
	oldGen := p.gen
	p.mu.Unlock()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	p.tick(cancelled, oldGen)

	view := p.View()
	if view.State != Polling || view.JobID != "job-2" {
		t.Fatalf("tick from the first run reached the second: %+v", view)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls != 0 {
		t.Fatalf("expected no status request, got %d", api.calls)
	}
}

type cancelAwareAPI struct{}

func (cancelAwareAPI) StartJob(context.Context) (types.StartResponse, error) {
	return types.StartResponse{JobID: "job-x"}, nil
}

func (cancelAwareAPI) JobStatus(ctx context.Context, _ string) (types.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{Progress: 10, Status: types.JobRunning}, nil
}

func TestRestartUnderFastTickerStaysPolling(t *testing.T) {
	p, err := New(Dependencies{
		API: cancelAwareAPI{},
		NewTicker: func(time.Duration) Ticker {
			return newTimeTicker(50 * time.Microsecond)
		},
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	t.Cleanup(p.Close)

	for i := 0; i < 500; i++ {
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("iteration %d: start: %v", i, err)
		}
		if view := p.View(); view.State == Unknown {
			t.Fatalf("iteration %d: fresh run entered unknown: %v", i, view.Err)
		}
	}
}

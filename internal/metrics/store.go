package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const prefix = "readinessd"

// Store keeps in-memory counters and gauges for the appliance.
type Store struct {
	jobsStarted     atomic.Uint64
	jobsCompleted   atomic.Uint64
	jobsRunning     atomic.Int64
	startsLimited   atomic.Uint64
	historyEntries  atomic.Int64
	autoRuns        atomic.Uint64
	networkChanges  atomic.Uint64
	readinessState  atomic.Int64
	readinessReason atomic.Value
	readinessCats   atomic.Value

	probeResults counterVec // kind, status
	exports      counterVec // format, outcome
	publishes    counterVec // sink, outcome
	requests     counterVec // route, code class
}

// ReadinessCategory is a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

func NewStore() *Store {
	s := &Store{}
	s.readinessReason.Store("")
	s.readinessCats.Store([]ReadinessCategory(nil))
	return s
}

// Snapshot is a point-in-time copy of the scalar metrics.
type Snapshot struct {
	JobsStarted     uint64
	JobsCompleted   uint64
	JobsRunning     int64
	StartsLimited   uint64
	HistoryEntries  int64
	AutoRuns        uint64
	NetworkChanges  uint64
	Ready           bool
	ReadyReason     string
	ReadyCategories []ReadinessCategory
}

func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	cats, _ := s.readinessCats.Load().([]ReadinessCategory)
	return Snapshot{
		JobsStarted:     s.jobsStarted.Load(),
		JobsCompleted:   s.jobsCompleted.Load(),
		JobsRunning:     s.jobsRunning.Load(),
		StartsLimited:   s.startsLimited.Load(),
		HistoryEntries:  s.historyEntries.Load(),
		AutoRuns:        s.autoRuns.Load(),
		NetworkChanges:  s.networkChanges.Load(),
		Ready:           s.readinessState.Load() == 1,
		ReadyReason:     reason,
		ReadyCategories: append([]ReadinessCategory(nil), cats...),
	}
}

func (s *Store) JobStarted() {
	s.jobsStarted.Add(1)
	s.jobsRunning.Add(1)
}

func (s *Store) JobCompleted() {
	s.jobsCompleted.Add(1)
	s.jobsRunning.Add(-1)
}

func (s *Store) StartLimited() {
	s.startsLimited.Add(1)
}

func (s *Store) ObserveHistoryEntries(n int) {
	s.historyEntries.Store(int64(n))
}

func (s *Store) AutoRunTriggered() {
	s.autoRuns.Add(1)
}

func (s *Store) NetworkChanged() {
	s.networkChanges.Add(1)
}

func (s *Store) ProbeResult(kind, status string) {
	s.probeResults.inc(kind, status)
}

func (s *Store) Export(format string, err error) {
	s.exports.inc(format, outcome(err))
}

func (s *Store) Publish(sink string, err error) {
	s.publishes.inc(sink, outcome(err))
}

func (s *Store) Request(route string, code int) {
	s.requests.inc(route, fmt.Sprintf("%dxx", code/100))
}

// ProbeResultCount returns the counter for one kind and status.
func (s *Store) ProbeResultCount(kind, status string) uint64 {
	return s.probeResults.get(kind, status)
}

// PublishCount returns the counter for one sink and outcome.
func (s *Store) PublishCount(sink, result string) uint64 {
	return s.publishes.get(sink, result)
}

// ObserveReadiness records the latest readiness evaluation.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	if ready {
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCats.Store([]ReadinessCategory(nil))
		return
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	s.readinessCats.Store(dedupeCategories(categories))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	out := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		key := ReadinessCategory{Name: name, Severity: strings.ToLower(strings.TrimSpace(c.Severity))}
		if key.Severity == "" {
			key.Severity = "unknown"
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

type labelPair struct {
	a, b string
}

// counterVec is a two-label counter family.
type counterVec struct {
	m sync.Map // labelPair -> *atomic.Uint64
}

func (v *counterVec) inc(a, b string) {
	key := labelPair{a: a, b: b}
	if value, ok := v.m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	actual, _ := v.m.LoadOrStore(key, &atomic.Uint64{})
	actual.(*atomic.Uint64).Add(1)
}

func (v *counterVec) get(a, b string) uint64 {
	if value, ok := v.m.Load(labelPair{a: a, b: b}); ok {
		return value.(*atomic.Uint64).Load()
	}
	return 0
}

type sample struct {
	labels labelPair
	value  uint64
}

func (v *counterVec) samples() []sample {
	var out []sample
	v.m.Range(func(key, value any) bool {
		out = append(out, sample{labels: key.(labelPair), value: value.(*atomic.Uint64).Load()})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].labels.a == out[j].labels.a {
			return out[i].labels.b < out[j].labels.b
		}
		return out[i].labels.a < out[j].labels.a
	})
	return out
}

// WritePrometheus renders the metrics in the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	ready := 0
	if snap.Ready {
		ready = 1
	}
	reason := snap.ReadyReason
	if reason == "" {
		reason = "ready"
		if !snap.Ready {
			reason = "unknown"
		}
	}

	var lines []string
	scalar := func(name, kind, help string, value any) {
		lines = append(lines,
			fmt.Sprintf("# HELP %s_%s %s", prefix, name, help),
			fmt.Sprintf("# TYPE %s_%s %s", prefix, name, kind),
			fmt.Sprintf("%s_%s %v", prefix, name, value),
		)
	}
	vector := func(name, help, la, lb string, v *counterVec) {
		lines = append(lines,
			fmt.Sprintf("# HELP %s_%s %s", prefix, name, help),
			fmt.Sprintf("# TYPE %s_%s counter", prefix, name),
		)
		for _, smp := range v.samples() {
			lines = append(lines, fmt.Sprintf("%s_%s{%s=%q,%s=%q} %d", prefix, name, la, smp.labels.a, lb, smp.labels.b, smp.value))
		}
	}

	scalar("jobs_started_total", "counter", "Diagnostic jobs started.", snap.JobsStarted)
	scalar("jobs_completed_total", "counter", "Diagnostic jobs that finished.", snap.JobsCompleted)
	scalar("jobs_running", "gauge", "Diagnostic jobs currently executing.", snap.JobsRunning)
	scalar("start_rate_limited_total", "counter", "Start requests rejected by the rate limiter.", snap.StartsLimited)
	scalar("history_entries", "gauge", "Runs retained in history.", snap.HistoryEntries)
	scalar("auto_runs_total", "counter", "Runs triggered by the network watcher.", snap.AutoRuns)
	scalar("network_changes_total", "counter", "Network changes observed by the watcher.", snap.NetworkChanges)
	scalar("ready", "gauge", "Whether the appliance considers itself ready (1=ready).", ready)
	lines = append(lines,
		fmt.Sprintf("# HELP %s_ready_info Reason associated with the most recent readiness evaluation.", prefix),
		fmt.Sprintf("# TYPE %s_ready_info gauge", prefix),
		fmt.Sprintf("%s_ready_info{reason=%q} 1", prefix, reason),
	)
	for _, cat := range snap.ReadyCategories {
		lines = append(lines, fmt.Sprintf("%s_ready_categories_info{category=%q,severity=%q} 1", prefix, cat.Name, cat.Severity))
	}
	vector("probe_results_total", "Probe outcomes by kind and status.", "kind", "status", &s.probeResults)
	vector("exports_total", "Report exports by format and outcome.", "format", "outcome", &s.exports)
	vector("publish_total", "Result publications by sink and outcome.", "sink", "outcome", &s.publishes)
	vector("http_requests_total", "API requests by route and status class.", "route", "code", &s.requests)
	lines = append(lines, "")

	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler serves the store in the Prometheus text format.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}

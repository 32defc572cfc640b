package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/readiness/internal/metrics"
)

const defaultJobStuckAfter = 10 * time.Minute

const (
	categoryHistoryPending    = "HISTORY_PENDING"
	categoryHistoryError      = "HISTORY_ERROR"
	categoryExportsUnwritable = "EXPORTS_UNWRITABLE"
	categoryJobStuck          = "JOB_STUCK"
	categoryPublishFailing    = "PUBLISH_FAILING"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness conditions for the daemon. Only critical
// conditions make it unready; warnings are reported alongside.
type Checker struct {
	metrics    *metrics.Store
	stuckAfter time.Duration

	mu             sync.RWMutex
	historyOK      bool
	historyErr     string
	exportsErr     string
	runningSince   map[string]time.Time
	publishFailing map[string]string
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, stuckAfter time.Duration) *Checker {
	if stuckAfter <= 0 {
		stuckAfter = defaultJobStuckAfter
	}
	return &Checker{
		metrics:        store,
		stuckAfter:     stuckAfter,
		runningSince:   make(map[string]time.Time),
		publishFailing: make(map[string]string),
	}
}

// ObserveHistory records the outcome of the latest history store operation.
func (c *Checker) ObserveHistory(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.historyErr = err.Error()
		return
	}
	c.historyOK = true
	c.historyErr = ""
}

// ObserveExportsDir records whether the exports directory accepts writes.
func (c *Checker) ObserveExportsDir(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.exportsErr = err.Error()
		return
	}
	c.exportsErr = ""
}

func (c *Checker) JobStarted(id string, at time.Time) {
	c.mu.Lock()
	c.runningSince[id] = at
	c.mu.Unlock()
}

func (c *Checker) JobFinished(id string) {
	c.mu.Lock()
	delete(c.runningSince, id)
	c.mu.Unlock()
}

// ObservePublish tracks per-sink publication failures until the next success.
func (c *Checker) ObservePublish(sink string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.publishFailing[sink] = err.Error()
		return
	}
	delete(c.publishFailing, sink)
}

// Ready evaluates all readiness conditions and returns the overall status and reasons.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	critical := false
	add := func(reason, name, severity string) {
		reasons = append(reasons, reason)
		categories = append(categories, metrics.ReadinessCategory{Name: name, Severity: severity})
		if severity == severityCritical {
			critical = true
		}
	}

	c.mu.RLock()
	historyOK := c.historyOK
	historyErr := c.historyErr
	exportsErr := c.exportsErr
	var stuck []string
	for id, since := range c.runningSince {
		if now.Sub(since) > c.stuckAfter {
			stuck = append(stuck, id)
		}
	}
	sinks := make([]string, 0, len(c.publishFailing))
	for sink := range c.publishFailing {
		sinks = append(sinks, sink)
	}
	publishErrs := make(map[string]string, len(sinks))
	for _, sink := range sinks {
		publishErrs[sink] = c.publishFailing[sink]
	}
	c.mu.RUnlock()

	switch {
	case historyErr != "":
		add(fmt.Sprintf("history store failing: %s", historyErr), categoryHistoryError, severityCritical)
	case !historyOK:
		add("history store not yet opened", categoryHistoryPending, severityInfo)
	}
	if exportsErr != "" {
		add(fmt.Sprintf("exports directory not writable: %s", exportsErr), categoryExportsUnwritable, severityCritical)
	}
	sort.Strings(stuck)
	for _, id := range stuck {
		add(fmt.Sprintf("job %s running longer than %s", id, c.stuckAfter), categoryJobStuck, severityWarning)
	}
	sort.Strings(sinks)
	for _, sink := range sinks {
		add(fmt.Sprintf("%s publish failing: %s", sink, publishErrs[sink]), categoryPublishFailing, severityWarning)
	}

	ready := !critical && historyOK
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if len(reasons) == 0 {
		return ready, nil
	}
	return ready, reasons
}

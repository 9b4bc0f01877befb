// Package metrics tracks per-rule execution statistics. Accumulators are
// independent per rule so concurrent batch and real-time evaluation never
// contend across rules.
package metrics

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// accumulator holds one rule's counters. Counts are atomics; the running
// means share a small mutex because they update two words together.
type accumulator struct {
	executions int64
	passes     int64
	fails      int64
	errors     int64
	skips      int64
	falsePos   int64

	mu            sync.Mutex
	meanLatencyUs float64
	meanConf      float64
	samples       int64
	errorKinds    map[string]int64
	lastExecuted  int64 // unix nanos, atomic
}

// Tracker records rule execution results and serves metric snapshots.
type Tracker struct {
	rules sync.Map // ruleID -> *accumulator
	log   *slog.Logger
}

// NewTracker creates a performance tracker.
func NewTracker(log *slog.Logger) *Tracker {
	return &Tracker{log: log}
}

func (t *Tracker) acc(ruleID string) *accumulator {
	if v, ok := t.rules.Load(ruleID); ok {
		return v.(*accumulator)
	}
	v, _ := t.rules.LoadOrStore(ruleID, &accumulator{errorKinds: make(map[string]int64)})
	return v.(*accumulator)
}

// Record appends one execution result. Called exactly once per rule per
// evaluation, from any goroutine.
func (t *Tracker) Record(ruleID string, res *domain.RuleExecutionResult) {
	a := t.acc(ruleID)

	atomic.AddInt64(&a.executions, 1)
	switch res.Outcome {
	case domain.OutcomePass:
		atomic.AddInt64(&a.passes, 1)
	case domain.OutcomeFail:
		atomic.AddInt64(&a.fails, 1)
	case domain.OutcomeError:
		atomic.AddInt64(&a.errors, 1)
	case domain.OutcomeSkipped:
		atomic.AddInt64(&a.skips, 1)
	}
	atomic.StoreInt64(&a.lastExecuted, time.Now().UnixNano())

	a.mu.Lock()
	a.samples++
	n := float64(a.samples)
	// Incremental running means; no stored history.
	a.meanLatencyUs += (float64(res.Duration.Microseconds()) - a.meanLatencyUs) / n
	a.meanConf += (res.Confidence - a.meanConf) / n
	if res.Outcome == domain.OutcomeError {
		a.errorKinds[errorKind(res.Error)]++
	}
	a.mu.Unlock()
}

// ReportFalsePositive increments a rule's analyst-reported misfire count.
func (t *Tracker) ReportFalsePositive(ruleID string) {
	atomic.AddInt64(&t.acc(ruleID).falsePos, 1)
}

// Get returns the current metrics snapshot for one rule.
func (t *Tracker) Get(ruleID string) domain.PerformanceMetrics {
	v, ok := t.rules.Load(ruleID)
	if !ok {
		return domain.PerformanceMetrics{RuleID: ruleID}
	}
	return snapshot(ruleID, v.(*accumulator))
}

// All returns metrics snapshots for every tracked rule.
func (t *Tracker) All() []domain.PerformanceMetrics {
	var out []domain.PerformanceMetrics
	t.rules.Range(func(k, v interface{}) bool {
		out = append(out, snapshot(k.(string), v.(*accumulator)))
		return true
	})
	return out
}

// Reset zeroes counters for one rule, or all when ruleID is empty. Logged
// as an administrative action.
func (t *Tracker) Reset(ruleID string) {
	if ruleID == "" {
		t.rules.Range(func(k, _ interface{}) bool {
			t.rules.Delete(k)
			return true
		})
		t.log.Info("performance metrics reset", "scope", "all")
		return
	}
	t.rules.Delete(ruleID)
	t.log.Info("performance metrics reset", "scope", "rule", "rule_id", ruleID)
}

func snapshot(ruleID string, a *accumulator) domain.PerformanceMetrics {
	m := domain.PerformanceMetrics{
		RuleID:          ruleID,
		Executions:      atomic.LoadInt64(&a.executions),
		Passes:          atomic.LoadInt64(&a.passes),
		FraudDetections: atomic.LoadInt64(&a.fails),
		Errors:          atomic.LoadInt64(&a.errors),
		Skips:           atomic.LoadInt64(&a.skips),
		FalsePositives:  atomic.LoadInt64(&a.falsePos),
	}
	if m.Executions > 0 {
		m.TriggerRate = float64(m.FraudDetections) / float64(m.Executions)
	}
	if last := atomic.LoadInt64(&a.lastExecuted); last > 0 {
		m.LastExecuted = time.Unix(0, last)
	}

	a.mu.Lock()
	m.AvgLatencyUs = a.meanLatencyUs
	m.AvgConfidence = a.meanConf
	if len(a.errorKinds) > 0 {
		m.ErrorKinds = make(map[string]int64, len(a.errorKinds))
		for k, v := range a.errorKinds {
			m.ErrorKinds[k] = v
		}
	}
	a.mu.Unlock()

	if math.IsNaN(m.AvgConfidence) {
		m.AvgConfidence = 0
	}
	return m
}

// errorKind classifies an error message into a histogram bucket.
func errorKind(msg string) string {
	switch {
	case msg == "timeout":
		return "timeout"
	case len(msg) >= 6 && msg[:6] == "panic:":
		return "panic"
	default:
		return "evaluation"
	}
}

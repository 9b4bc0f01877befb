// Package pipeline runs the full active rule set against a transaction
// and aggregates the per-rule results into a fraud verdict.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/rules"
)

// Recorder receives every rule execution result exactly once.
type Recorder interface {
	Record(ruleID string, res *domain.RuleExecutionResult)
}

// Pipeline evaluates transactions against the current rule-set snapshot.
// Real-time evaluation runs on the caller's goroutine; only I/O inside
// individual evaluators suspends.
type Pipeline struct {
	store    *rules.Store
	exec     *rules.Executor
	recorder Recorder
	bus      domain.EventBus
	log      *slog.Logger

	// Threshold is the aggregate score at which a transaction is flagged
	// even without a HIGH-severity rule failure.
	Threshold float64
}

// New creates an evaluation pipeline. bus may be nil (no alert emission).
func New(store *rules.Store, exec *rules.Executor, recorder Recorder, bus domain.EventBus, log *slog.Logger, threshold float64) *Pipeline {
	if threshold <= 0 {
		threshold = 70
	}
	return &Pipeline{
		store:     store,
		exec:      exec,
		recorder:  recorder,
		bus:       bus,
		log:       log,
		Threshold: threshold,
	}
}

// Evaluate runs every active rule against the transaction. This is the
// one operation that can surface a hard error: a missing rule-set
// snapshot. Everything else degrades into ERROR rule results.
func (p *Pipeline) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.FraudDetectionResult, error) {
	return p.evaluate(ctx, tx, nil)
}

// EvaluateSubset runs only the named rules, used by scans restricted to a
// rule subset. An empty list means the full set.
func (p *Pipeline) EvaluateSubset(ctx context.Context, tx *domain.Transaction, ruleIDs []string) (*domain.FraudDetectionResult, error) {
	if len(ruleIDs) == 0 {
		return p.evaluate(ctx, tx, nil)
	}
	subset := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		subset[id] = true
	}
	return p.evaluate(ctx, tx, subset)
}

func (p *Pipeline) evaluate(ctx context.Context, tx *domain.Transaction, subset map[string]bool) (*domain.FraudDetectionResult, error) {
	start := time.Now()

	snap := p.store.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("rule set snapshot unavailable")
	}

	at := tx.Timestamp
	if at.IsZero() {
		at = start
	}

	results := make([]domain.RuleExecutionResult, 0, snap.Len())
	for _, cr := range snap.Ordered {
		if subset != nil && !subset[cr.Rule.ID] {
			continue
		}
		res := p.exec.Execute(ctx, cr, tx, at)
		if p.recorder != nil {
			p.recorder.Record(cr.Rule.ID, &res)
		}
		results = append(results, res)
	}

	out := p.aggregate(tx.ID, results, snap)
	out.Duration = time.Since(start)

	if out.IsFraudulent {
		p.emitAlert(ctx, out)
	}
	return out, nil
}

// aggregate folds rule results into the transaction verdict. The score is
// max-plus-penalty: the highest priority-weighted rule score, plus 5 per
// additional failing rule, capped at 100. A single CRITICAL failure must
// dominate many low-priority warnings.
func (p *Pipeline) aggregate(txID string, results []domain.RuleExecutionResult, snap *rules.Snapshot) *domain.FraudDetectionResult {
	out := &domain.FraudDetectionResult{
		ID:            uuid.NewString(),
		TransactionID: txID,
		RiskLevel:     domain.RiskLow,
		RuleResults:   results,
		EvaluatedAt:   time.Now().UTC(),
	}

	var (
		maxWeighted float64
		failing     int
		topSeverity domain.RiskLevel = domain.RiskLow
		severeFail  bool
	)
	for i := range results {
		r := &results[i]
		if r.Outcome != domain.OutcomeFail {
			continue
		}
		failing++
		weighted := r.Confidence * 100 * priorityWeight(r, snap)
		if weighted > maxWeighted {
			maxWeighted = weighted
		}
		if r.Severity.Rank() > topSeverity.Rank() {
			topSeverity = r.Severity
		}
		if r.Severity.Rank() >= domain.RiskHigh.Rank() {
			severeFail = true
		}
	}

	score := maxWeighted
	if failing > 1 {
		score += float64(failing-1) * 5
	}
	if score > 100 {
		score = 100
	}

	out.Score = score
	out.IsFraudulent = severeFail || score >= p.Threshold
	if failing > 0 {
		out.RiskLevel = topSeverity
	}
	out.Recommend = domain.RecommendationFor(out.RiskLevel)
	return out
}

// priorityWeight scales a rule's score by its priority, resolved against
// the snapshot the evaluation ran with.
func priorityWeight(r *domain.RuleExecutionResult, snap *rules.Snapshot) float64 {
	if cr := snap.Get(r.RuleID); cr != nil {
		return cr.Rule.Priority.Weight()
	}
	return 1.0
}

// emitAlert publishes the flagged result to the alert topic,
// fire-and-forget.
func (p *Pipeline) emitAlert(ctx context.Context, res *domain.FraudDetectionResult) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		p.log.Error("alert marshal failed", "transaction_id", res.TransactionID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		p.log.Error("alert publish failed", "transaction_id", res.TransactionID, "error", err)
	}
}

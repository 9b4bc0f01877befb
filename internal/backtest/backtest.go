// Package backtest replays a single rule against labeled transaction
// history and reports confusion-matrix quality metrics.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/rules"
)

const defaultPageSize = 500

// Runner executes backtests. It pages labeled transactions from the
// repository and runs exactly one rule against each.
type Runner struct {
	repo     domain.Repository
	exec     *rules.Executor
	log      *slog.Logger
	pageSize int
}

// NewRunner creates a backtest runner.
func NewRunner(repo domain.Repository, exec *rules.Executor, log *slog.Logger) *Runner {
	return &Runner{
		repo:     repo,
		exec:     exec,
		log:      log,
		pageSize: defaultPageSize,
	}
}

// Run backtests the rule against every labeled transaction matching the
// filter. Unlabeled transactions are skipped; a FAIL outcome counts as a
// fraud prediction. The result is persisted before returning.
func (r *Runner) Run(ctx context.Context, rule *domain.Rule, filter domain.ScanFilter) (*domain.TestResult, error) {
	cr, err := rules.Compile(rule)
	if err != nil {
		return nil, fmt.Errorf("rule does not compile: %w", err)
	}

	res := &domain.TestResult{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		StartedAt:   time.Now().UTC(),
	}

	var cursor *domain.PageCursor
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := r.repo.PageTransactions(ctx, filter, cursor, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to page transactions: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, tx := range page {
			if tx.FraudLabel == nil {
				continue
			}
			res.Evaluated++

			out := r.exec.Execute(ctx, cr, tx, tx.Timestamp)
			predicted := out.Outcome == domain.OutcomeFail
			actual := *tx.FraudLabel

			if predicted {
				res.Matches++
				if len(res.MatchedIDs) < domain.MaxMatchedIDs {
					res.MatchedIDs = append(res.MatchedIDs, tx.ID)
				}
			}

			switch {
			case predicted && actual:
				res.TruePositives++
			case predicted && !actual:
				res.FalsePositives++
			case !predicted && actual:
				res.FalseNegatives++
			default:
				res.TrueNegatives++
			}
		}

		last := page[len(page)-1]
		cursor = &domain.PageCursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	res.Precision, res.Recall, res.F1, res.Accuracy = Metrics(
		res.TruePositives, res.FalsePositives, res.TrueNegatives, res.FalseNegatives)
	res.FinishedAt = time.Now().UTC()

	if err := r.repo.SaveTestResult(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to persist backtest: %w", err)
	}

	r.log.Info("backtest finished",
		"rule_id", rule.ID,
		"rule_version", rule.Version,
		"evaluated", res.Evaluated,
		"precision", res.Precision,
		"recall", res.Recall,
	)
	return res, nil
}

// Metrics derives precision, recall, F1, and accuracy from a confusion
// matrix. Each metric is 0 when its denominator is 0.
func Metrics(tp, fp, tn, fn int) (precision, recall, f1, accuracy float64) {
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	if total := tp + fp + tn + fn; total > 0 {
		accuracy = float64(tp+tn) / float64(total)
	}
	return precision, recall, f1, accuracy
}

package domain

import (
	"time"
)

// Outcome is the terminal state of one rule execution.
type Outcome string

const (
	OutcomePass    Outcome = "PASS"
	OutcomeFail    Outcome = "FAIL"
	OutcomeError   Outcome = "ERROR"
	OutcomeSkipped Outcome = "SKIPPED"
)

// RiskLevel grades a result's severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the engine's suggested disposition for a transaction.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendFlag    Recommendation = "flag"
	RecommendBlock   Recommendation = "block"
)

// Rank orders risk levels LOW < MEDIUM < HIGH < CRITICAL.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// RiskLevelForScore maps an aggregate 0-100 fraud score to a risk band.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score < 30:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RecommendationFor maps a risk band to a suggested action.
func RecommendationFor(level RiskLevel) Recommendation {
	switch level {
	case RiskLow:
		return RecommendApprove
	case RiskMedium:
		return RecommendReview
	case RiskHigh:
		return RecommendFlag
	default:
		return RecommendBlock
	}
}

// RuleExecutionResult is the outcome of one rule against one transaction.
type RuleExecutionResult struct {
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName"`
	RuleVersion int       `json:"ruleVersion"`
	Outcome     Outcome   `json:"outcome"`
	Score       float64   `json:"score"`      // 0-100
	Confidence  float64   `json:"confidence"` // 0-1
	Severity    RiskLevel `json:"severity,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`

	// Triggered lists the descriptions of conditions that fired, for
	// FAIL results of validation rules.
	Triggered []string `json:"triggered,omitempty"`

	// RiskFactors breaks a scoring rule's total into per-field
	// contributions.
	RiskFactors map[string]float64 `json:"riskFactors,omitempty"`

	// Action carries a scoring rule's configured fail action; metadata
	// only, never executed here.
	Action FailAction `json:"action,omitempty"`

	Duration time.Duration `json:"durationNs"`
}

// FraudDetectionResult is the aggregate verdict for one transaction.
type FraudDetectionResult struct {
	ID            string                `json:"id"`
	TransactionID string                `json:"transactionId"`
	IsFraudulent  bool                  `json:"isFraudulent"`
	Score         float64               `json:"score"` // 0-100
	RiskLevel     RiskLevel             `json:"riskLevel"`
	Recommend     Recommendation        `json:"recommendation"`
	RuleResults   []RuleExecutionResult `json:"ruleResults"`
	EvaluatedAt   time.Time             `json:"evaluatedAt"`
	Duration      time.Duration         `json:"durationNs"`
}

// FailedRules returns the ids of rules that produced FAIL.
func (r *FraudDetectionResult) FailedRules() []string {
	var ids []string
	for i := range r.RuleResults {
		if r.RuleResults[i].Outcome == OutcomeFail {
			ids = append(ids, r.RuleResults[i].RuleID)
		}
	}
	return ids
}

// TestResult is the confusion-matrix outcome of backtesting one rule
// against labeled history.
type TestResult struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	RuleVersion int       `json:"ruleVersion"`
	Evaluated   int       `json:"evaluated"`
	Matches     int       `json:"matches"`

	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalseNegatives int `json:"falseNegatives"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`

	// MatchedIDs holds up to MaxMatchedIDs transaction ids that FAILed.
	MatchedIDs []string `json:"matchedIds,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// MaxMatchedIDs caps the matched-transaction list carried in a TestResult.
const MaxMatchedIDs = 1000

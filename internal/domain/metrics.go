package domain

import (
	"time"
)

// PerformanceMetrics is a point-in-time read of one rule's execution
// statistics. Averages are incremental running means, not stored history.
type PerformanceMetrics struct {
	RuleID          string `json:"ruleId"`
	Executions      int64  `json:"executions"`
	Passes          int64  `json:"passes"`
	FraudDetections int64  `json:"fraudDetections"` // FAIL outcomes
	Errors          int64  `json:"errors"`
	Skips           int64  `json:"skips"`

	// FalsePositives counts analyst-reported misfires, fed back through
	// the admin API rather than evaluation.
	FalsePositives int64 `json:"falsePositives"`

	AvgLatencyUs  float64 `json:"avgLatencyUs"`
	AvgConfidence float64 `json:"avgConfidence"`

	// TriggerRate is fraud detections / executions, 0 when executions is 0.
	TriggerRate float64 `json:"triggerRate"`

	// ErrorKinds histograms ERROR outcomes by message class
	// ("timeout", "panic", "evaluation").
	ErrorKinds map[string]int64 `json:"errorKinds,omitempty"`

	LastExecuted time.Time `json:"lastExecuted,omitempty"`
}

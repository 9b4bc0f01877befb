package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a batch scan job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ScanJob is a batch scan over stored transactions.
type ScanJob struct {
	ID     string     `json:"id"`
	Filter ScanFilter `json:"filter"`
	Status JobStatus  `json:"status"`

	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Flagged   int64 `json:"flagged"`
	Errors    int64 `json:"errors"`

	Error string `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// TrainingStatus is the lifecycle state of a model training job.
type TrainingStatus string

const (
	TrainingQueued     TrainingStatus = "QUEUED"
	TrainingRunning    TrainingStatus = "TRAINING"
	TrainingEvaluating TrainingStatus = "EVALUATING"
	TrainingCompleted  TrainingStatus = "COMPLETED"
	TrainingFailed     TrainingStatus = "FAILED"
)

// Terminal reports whether the training status admits no further
// transitions.
func (s TrainingStatus) Terminal() bool {
	return s == TrainingCompleted || s == TrainingFailed
}

// Hyperparams configures a training run.
type Hyperparams struct {
	LearningRate float64 `json:"learningRate"`
	Epochs       int     `json:"epochs"`
	HoldoutRatio float64 `json:"holdoutRatio"`
}

// TrainingJob trains a model for a MACHINE_LEARNING rule on labeled
// history, evaluates it on a held-out split, and on success activates a
// new version of the rule pointing at the trained model.
type TrainingJob struct {
	ID      string         `json:"id"`
	RuleID  string         `json:"ruleId"`
	Params  Hyperparams    `json:"params"`
	Filter  ScanFilter     `json:"filter"`
	Status  TrainingStatus `json:"status"`
	Error   string         `json:"error,omitempty"`

	// ModelRef keys the trained model once training succeeds.
	ModelRef string `json:"modelRef,omitempty"`

	// Eval holds held-out metrics once evaluation finishes.
	Eval *TestResult `json:"eval,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

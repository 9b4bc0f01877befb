package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// SaveDetectionResult stores an evaluation verdict.
func (r *SQLRepository) SaveDetectionResult(ctx context.Context, res *domain.FraudDetectionResult) error {
	ruleResults, err := json.Marshal(res.RuleResults)
	if err != nil {
		return fmt.Errorf("marshal rule results: %w", err)
	}

	flagged := 0
	if res.IsFraudulent {
		flagged = 1
	}

	query := `
		INSERT INTO detection_results (
			id, transaction_id, is_fraudulent, score, risk_level,
			recommendation, rule_results, evaluated_at, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		res.ID, res.TransactionID, flagged, res.Score,
		string(res.RiskLevel), string(res.Recommend),
		string(ruleResults), res.EvaluatedAt, int64(res.Duration),
	)
	return err
}

// GetDetectionResult retrieves a verdict by id.
func (r *SQLRepository) GetDetectionResult(ctx context.Context, id string) (*domain.FraudDetectionResult, error) {
	query := `
		SELECT id, transaction_id, is_fraudulent, score, risk_level,
			   recommendation, rule_results, evaluated_at, duration_ns
		FROM detection_results
		WHERE id = ?
	`

	var (
		res         domain.FraudDetectionResult
		flagged     int
		riskLevel   string
		recommend   string
		ruleResults string
		durationNs  int64
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&res.ID, &res.TransactionID, &flagged, &res.Score,
		&riskLevel, &recommend, &ruleResults, &res.EvaluatedAt, &durationNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("detection result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res.IsFraudulent = flagged == 1
	res.RiskLevel = domain.RiskLevel(riskLevel)
	res.Recommend = domain.Recommendation(recommend)
	res.Duration = time.Duration(durationNs)
	if err := json.Unmarshal([]byte(ruleResults), &res.RuleResults); err != nil {
		return nil, fmt.Errorf("parse rule results for %s: %w", id, err)
	}
	return &res, nil
}

// SaveScanJob persists a newly submitted scan job.
func (r *SQLRepository) SaveScanJob(ctx context.Context, job *domain.ScanJob) error {
	filter, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("marshal scan filter: %w", err)
	}

	query := `
		INSERT INTO scan_jobs (
			id, filter, status, total, processed, flagged, errors, error,
			submitted_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		job.ID, string(filter), string(job.Status),
		job.Total, job.Processed, job.Flagged, job.Errors, job.Error,
		job.SubmittedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	return err
}

// UpdateScanJob rewrites a scan job's mutable state.
func (r *SQLRepository) UpdateScanJob(ctx context.Context, job *domain.ScanJob) error {
	query := `
		UPDATE scan_jobs
		SET status = ?, total = ?, processed = ?, flagged = ?, errors = ?,
			error = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(job.Status), job.Total, job.Processed, job.Flagged, job.Errors,
		job.Error, nullTime(job.StartedAt), nullTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("scan job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetScanJob retrieves a scan job by id.
func (r *SQLRepository) GetScanJob(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	query := `
		SELECT id, filter, status, total, processed, flagged, errors, error,
			   submitted_at, started_at, finished_at
		FROM scan_jobs
		WHERE id = ?
	`

	var (
		job                   domain.ScanJob
		filter, status        string
		errMsg                sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), jobID).Scan(
		&job.ID, &filter, &status,
		&job.Total, &job.Processed, &job.Flagged, &job.Errors, &errMsg,
		&job.SubmittedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(filter), &job.Filter); err != nil {
		return nil, fmt.Errorf("parse scan filter for %s: %w", jobID, err)
	}
	return &job, nil
}

// SaveTestResult stores a backtest outcome.
func (r *SQLRepository) SaveTestResult(ctx context.Context, res *domain.TestResult) error {
	matchedIDs, _ := json.Marshal(res.MatchedIDs)

	query := `
		INSERT INTO rule_backtests (
			id, rule_id, rule_version, evaluated, matches,
			true_positives, false_positives, true_negatives, false_negatives,
			precision_score, recall_score, f1_score, accuracy_score,
			matched_ids, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		res.ID, res.RuleID, res.RuleVersion, res.Evaluated, res.Matches,
		res.TruePositives, res.FalsePositives, res.TrueNegatives, res.FalseNegatives,
		res.Precision, res.Recall, res.F1, res.Accuracy,
		string(matchedIDs), res.StartedAt, res.FinishedAt,
	)
	return err
}

// SaveTrainingJob persists a newly submitted training job.
func (r *SQLRepository) SaveTrainingJob(ctx context.Context, job *domain.TrainingJob) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal hyperparams: %w", err)
	}
	filter, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("marshal dataset filter: %w", err)
	}

	query := `
		INSERT INTO training_jobs (
			id, rule_id, params, filter, status, error, model_ref, eval,
			submitted_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		job.ID, job.RuleID, string(params), string(filter),
		string(job.Status), job.Error, job.ModelRef, marshalEval(job.Eval),
		job.SubmittedAt, nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	return err
}

// UpdateTrainingJob rewrites a training job's mutable state.
func (r *SQLRepository) UpdateTrainingJob(ctx context.Context, job *domain.TrainingJob) error {
	query := `
		UPDATE training_jobs
		SET status = ?, error = ?, model_ref = ?, eval = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(job.Status), job.Error, job.ModelRef, marshalEval(job.Eval),
		nullTime(job.StartedAt), nullTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("training job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetTrainingJob retrieves a training job by id.
func (r *SQLRepository) GetTrainingJob(ctx context.Context, jobID string) (*domain.TrainingJob, error) {
	query := `
		SELECT id, rule_id, params, filter, status, error, model_ref, eval,
			   submitted_at, started_at, finished_at
		FROM training_jobs
		WHERE id = ?
	`

	var (
		job                   domain.TrainingJob
		params, filter        string
		status                string
		errMsg, modelRef, ev  sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), jobID).Scan(
		&job.ID, &job.RuleID, &params, &filter,
		&status, &errMsg, &modelRef, &ev,
		&job.SubmittedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("training job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	job.Status = domain.TrainingStatus(status)
	job.Error = errMsg.String
	job.ModelRef = modelRef.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, fmt.Errorf("parse hyperparams for %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(filter), &job.Filter); err != nil {
		return nil, fmt.Errorf("parse dataset filter for %s: %w", jobID, err)
	}
	if ev.Valid && ev.String != "" {
		var eval domain.TestResult
		if err := json.Unmarshal([]byte(ev.String), &eval); err == nil {
			job.Eval = &eval
		}
	}
	return &job, nil
}

func marshalEval(eval *domain.TestResult) string {
	if eval == nil {
		return ""
	}
	data, err := json.Marshal(eval)
	if err != nil {
		return ""
	}
	return string(data)
}

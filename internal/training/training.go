// Package training runs model training jobs for MACHINE_LEARNING rules:
// fit on labeled history, evaluate on a held-out split, and on success
// activate a new rule version pointing at the trained model.
package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/backtest"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/rules"
)

const (
	defaultWorkers      = 1
	defaultPageSize     = 500
	defaultHoldoutRatio = 0.2
	minSamples          = 10
	queueCapacity       = 16
)

// Manager owns the training job queue and worker pool.
type Manager struct {
	repo    domain.Repository
	backend domain.ModelBackend
	store   *rules.Store
	bus     domain.EventBus
	log     *slog.Logger

	workers  int
	pageSize int

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a training manager. bus may be nil.
func NewManager(repo domain.Repository, backend domain.ModelBackend, store *rules.Store, bus domain.EventBus, log *slog.Logger, workers int) *Manager {
	if workers <= 0 {
		workers = defaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:     repo,
		backend:  backend,
		store:    store,
		bus:      bus,
		log:      log,
		workers:  workers,
		pageSize: defaultPageSize,
		jobs:     make(chan string, queueCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.log.Info("training workers started", "count", m.workers)
}

// Stop aborts running jobs and waits for workers to drain.
func (m *Manager) Stop() {
	m.cancel()
	close(m.jobs)
	m.wg.Wait()
	m.log.Info("training workers stopped")
}

// Submit validates the request, persists a QUEUED job, and enqueues it.
// The target rule must exist and be a MACHINE_LEARNING rule.
func (m *Manager) Submit(ctx context.Context, ruleID string, params domain.Hyperparams, filter domain.ScanFilter) (*domain.TrainingJob, error) {
	rule, err := m.repo.GetRule(ctx, ruleID, 0)
	if err != nil {
		return nil, err
	}
	if rule.Type != domain.RuleTypeMachineLearning {
		return nil, domain.ValidationErrorf("rule %s is %s, not MACHINE_LEARNING", ruleID, rule.Type)
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}

	job := &domain.TrainingJob{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		Params:      params,
		Filter:      filter,
		Status:      domain.TrainingQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.repo.SaveTrainingJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist training job: %w", err)
	}

	select {
	case m.jobs <- job.ID:
	default:
		return nil, fmt.Errorf("training queue full: %w", domain.ErrJobFailed)
	}

	m.log.Info("training submitted", "job_id", job.ID, "rule_id", ruleID)
	return job, nil
}

// Status returns the current state of a job.
func (m *Manager) Status(ctx context.Context, jobID string) (*domain.TrainingJob, error) {
	return m.repo.GetTrainingJob(ctx, jobID)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for jobID := range m.jobs {
		if m.ctx.Err() != nil {
			return
		}
		m.run(jobID)
	}
}

func (m *Manager) run(jobID string) {
	ctx := m.ctx

	job, err := m.repo.GetTrainingJob(ctx, jobID)
	if err != nil {
		m.log.Error("training job load failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	job.Status = domain.TrainingRunning
	job.StartedAt = &now
	if err := m.repo.UpdateTrainingJob(ctx, job); err != nil {
		m.log.Error("training job start persist failed", "job_id", jobID, "error", err)
		return
	}

	if err := m.train(ctx, job); err != nil {
		m.fail(ctx, job, err)
		return
	}
	m.complete(ctx, job)
}

// train runs the TRAINING and EVALUATING phases, mutating job in place.
// A returned error leaves the rule's prior version untouched.
func (m *Manager) train(ctx context.Context, job *domain.TrainingJob) error {
	rule, err := m.repo.GetRule(ctx, job.RuleID, 0)
	if err != nil {
		return err
	}
	if rule.Logic.Model == nil {
		return fmt.Errorf("rule %s has no model logic", rule.ID)
	}

	samples, err := m.loadLabeled(ctx, job.Filter)
	if err != nil {
		return err
	}
	if len(samples) < minSamples {
		return fmt.Errorf("need at least %d labeled transactions, have %d", minSamples, len(samples))
	}

	ratio := job.Params.HoldoutRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultHoldoutRatio
	}
	split := len(samples) - int(float64(len(samples))*ratio)
	trainSet, holdout := samples[:split], samples[split:]

	ref, err := m.backend.Train(ctx, job.Params, trainSet)
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	job.ModelRef = ref

	job.Status = domain.TrainingEvaluating
	if err := m.repo.UpdateTrainingJob(ctx, job); err != nil {
		return err
	}

	eval, err := m.evaluate(ctx, ref, rule, holdout)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	job.Eval = eval

	// Activate: next version of the rule points at the trained model.
	next := *rule
	model := *rule.Logic.Model
	model.ModelRef = ref
	next.Logic.Model = &model
	next.Active = true
	next.UpdatedAt = time.Now().UTC()
	if _, err := m.store.Put(ctx, &next); err != nil {
		return fmt.Errorf("failed to activate trained rule: %w", err)
	}
	return nil
}

// evaluate scores the held-out split and folds it into a confusion matrix
// using the rule's probability threshold.
func (m *Manager) evaluate(ctx context.Context, ref string, rule *domain.Rule, holdout []*domain.Transaction) (*domain.TestResult, error) {
	res := &domain.TestResult{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		StartedAt:   time.Now().UTC(),
	}

	threshold := rule.Logic.Model.Threshold
	for _, tx := range holdout {
		if tx.FraudLabel == nil {
			continue
		}
		res.Evaluated++

		p, err := m.backend.Score(ctx, ref, tx.Context())
		if err != nil {
			return nil, err
		}
		predicted := p >= threshold
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

	res.Precision, res.Recall, res.F1, res.Accuracy = backtest.Metrics(
		res.TruePositives, res.FalsePositives, res.TrueNegatives, res.FalseNegatives)
	res.FinishedAt = time.Now().UTC()
	return res, nil
}

// loadLabeled pages all labeled transactions matching the filter.
func (m *Manager) loadLabeled(ctx context.Context, filter domain.ScanFilter) ([]*domain.Transaction, error) {
	var (
		out    []*domain.Transaction
		cursor *domain.PageCursor
	)
	for {
		page, err := m.repo.PageTransactions(ctx, filter, cursor, m.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to page transactions: %w", err)
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, tx := range page {
			if tx.FraudLabel != nil {
				out = append(out, tx)
			}
		}
		last := page[len(page)-1]
		cursor = &domain.PageCursor{Timestamp: last.Timestamp, ID: last.ID}
	}
}

func (m *Manager) complete(ctx context.Context, job *domain.TrainingJob) {
	now := time.Now().UTC()
	job.Status = domain.TrainingCompleted
	job.FinishedAt = &now
	if err := m.repo.UpdateTrainingJob(ctx, job); err != nil {
		m.log.Error("training job finish persist failed", "job_id", job.ID, "error", err)
	}
	m.log.Info("training completed",
		"job_id", job.ID,
		"rule_id", job.RuleID,
		"model_ref", job.ModelRef,
	)
	m.emit(ctx, job)
}

func (m *Manager) fail(ctx context.Context, job *domain.TrainingJob, cause error) {
	now := time.Now().UTC()
	job.Status = domain.TrainingFailed
	job.Error = cause.Error()
	job.FinishedAt = &now
	if err := m.repo.UpdateTrainingJob(ctx, job); err != nil {
		m.log.Error("training job finish persist failed", "job_id", job.ID, "error", err)
	}
	m.log.Error("training failed", "job_id", job.ID, "rule_id", job.RuleID, "error", cause)
	m.emit(ctx, job)
}

func (m *Manager) emit(ctx context.Context, job *domain.TrainingJob) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.TopicTrainingFinished, payload); err != nil {
		m.log.Error("training event publish failed", "job_id", job.ID, "error", err)
	}
}

func validateParams(p domain.Hyperparams) error {
	if p.LearningRate < 0 {
		return domain.ValidationErrorf("learningRate must not be negative")
	}
	if p.Epochs < 0 {
		return domain.ValidationErrorf("epochs must not be negative")
	}
	if p.HoldoutRatio < 0 || p.HoldoutRatio >= 1 {
		if p.HoldoutRatio != 0 {
			return domain.ValidationErrorf("holdoutRatio must be in (0, 1)")
		}
	}
	return nil
}

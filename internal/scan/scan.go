// Package scan runs batch fraud scans over stored transactions. Jobs are
// queued, picked up by a fixed worker pool, and walk the transaction
// table page by page through the evaluation pipeline.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/pipeline"
)

const (
	defaultWorkers  = 4
	defaultPageSize = 500
	queueCapacity   = 128
)

// persistBackoff is the retry schedule for job state writes. A job whose
// state cannot be persisted after these attempts is marked FAILED.
var persistBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Manager owns the scan job queue and worker pool.
type Manager struct {
	repo domain.Repository
	pipe *pipeline.Pipeline
	bus  domain.EventBus
	log  *slog.Logger

	workers  int
	pageSize int

	jobs      chan string
	cancelled sync.Map // jobID -> struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a scan manager. bus may be nil.
func NewManager(repo domain.Repository, pipe *pipeline.Pipeline, bus domain.EventBus, log *slog.Logger, workers, pageSize int) *Manager {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:     repo,
		pipe:     pipe,
		bus:      bus,
		log:      log,
		workers:  workers,
		pageSize: pageSize,
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
	m.log.Info("scan workers started", "count", m.workers)
}

// Stop aborts running scans and waits for workers to drain.
func (m *Manager) Stop() {
	m.cancel()
	close(m.jobs)
	m.wg.Wait()
	m.log.Info("scan workers stopped")
}

// Submit validates the filter, persists a QUEUED job, and enqueues it.
func (m *Manager) Submit(ctx context.Context, filter domain.ScanFilter) (*domain.ScanJob, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	total, err := m.repo.CountTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	job := &domain.ScanJob{
		ID:          uuid.NewString(),
		Filter:      filter,
		Status:      domain.JobQueued,
		Total:       total,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.repo.SaveScanJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist scan job: %w", err)
	}

	select {
	case m.jobs <- job.ID:
	default:
		job.Status = domain.JobFailed
		job.Error = "scan queue full"
		m.persistJob(ctx, job)
		return nil, fmt.Errorf("scan queue full: %w", domain.ErrJobFailed)
	}

	m.log.Info("scan submitted", "job_id", job.ID, "total", total)
	return job, nil
}

// Status returns the current state of a job.
func (m *Manager) Status(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	return m.repo.GetScanJob(ctx, jobID)
}

// Cancel requests cooperative cancellation. A queued job is cancelled
// immediately; a running job finishes its in-flight page first.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.repo.GetScanJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ValidationErrorf("scan job %s already %s", jobID, job.Status)
	}

	m.cancelled.Store(jobID, struct{}{})

	if job.Status == domain.JobQueued {
		now := time.Now().UTC()
		job.Status = domain.JobCancelled
		job.FinishedAt = &now
		// Worker re-checks the flag on dequeue, so losing this write to a
		// concurrent transition is harmless.
		m.repo.UpdateScanJob(ctx, job)
	}

	m.log.Info("scan cancellation requested", "job_id", jobID)
	return nil
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

	job, err := m.repo.GetScanJob(ctx, jobID)
	if err != nil {
		m.log.Error("scan job load failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		// Cancelled while still queued: drop the flag now, finish never
		// runs for this job.
		m.cancelled.Delete(jobID)
		return
	}

	if m.isCancelled(jobID) {
		m.finish(ctx, job, domain.JobCancelled, "")
		return
	}

	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	if err := m.persistJob(ctx, job); err != nil {
		m.log.Error("scan job start persist failed", "job_id", jobID, "error", err)
		return
	}

	var cursor *domain.PageCursor
	for {
		if m.isCancelled(jobID) || ctx.Err() != nil {
			m.finish(ctx, job, domain.JobCancelled, "")
			return
		}

		page, err := m.repo.PageTransactions(ctx, job.Filter, cursor, m.pageSize)
		if err != nil {
			m.finish(ctx, job, domain.JobFailed, fmt.Sprintf("page fetch failed: %v", err))
			return
		}
		if len(page) == 0 {
			break
		}

		for _, tx := range page {
			res, err := m.pipe.EvaluateSubset(ctx, tx, job.Filter.RuleIDs)
			job.Processed++
			if err != nil {
				job.Errors++
				continue
			}
			if res.IsFraudulent {
				job.Flagged++
			}
			if err := m.repo.SaveDetectionResult(ctx, res); err != nil {
				m.log.Error("scan result persist failed", "job_id", jobID, "transaction_id", tx.ID, "error", err)
				job.Errors++
			}
		}

		last := page[len(page)-1]
		cursor = &domain.PageCursor{Timestamp: last.Timestamp, ID: last.ID}

		if err := m.persistJob(ctx, job); err != nil {
			m.finish(ctx, job, domain.JobFailed, fmt.Sprintf("progress persist failed: %v", err))
			return
		}
	}

	m.finish(ctx, job, domain.JobCompleted, "")
}

// finish moves a job to a terminal state and emits the completion event.
func (m *Manager) finish(ctx context.Context, job *domain.ScanJob, status domain.JobStatus, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = &now
	if err := m.persistJob(ctx, job); err != nil {
		m.log.Error("scan job finish persist failed", "job_id", job.ID, "error", err)
	}
	m.cancelled.Delete(job.ID)

	m.log.Info("scan finished",
		"job_id", job.ID,
		"status", status,
		"processed", job.Processed,
		"flagged", job.Flagged,
		"errors", job.Errors,
	)

	if m.bus != nil {
		payload, err := json.Marshal(job)
		if err == nil {
			if err := m.bus.Publish(ctx, domain.TopicScanCompleted, payload); err != nil {
				m.log.Error("scan event publish failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// persistJob writes job state with bounded retries. Exhausted retries
// escalate to ErrJobFailed; the caller moves the job to FAILED.
func (m *Manager) persistJob(ctx context.Context, job *domain.ScanJob) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = m.repo.UpdateScanJob(ctx, job); err == nil {
			return nil
		}
		if attempt >= len(persistBackoff) {
			return fmt.Errorf("%v: %w", err, domain.ErrJobFailed)
		}
		select {
		case <-time.After(persistBackoff[attempt]):
		case <-ctx.Done():
			return fmt.Errorf("%v: %w", err, domain.ErrJobFailed)
		}
	}
}

func (m *Manager) isCancelled(jobID string) bool {
	_, ok := m.cancelled.Load(jobID)
	return ok
}

func validateFilter(f domain.ScanFilter) error {
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return domain.ValidationErrorf("dateFrom is after dateTo")
	}
	if f.AmountMin != nil && f.AmountMax != nil && *f.AmountMin > *f.AmountMax {
		return domain.ValidationErrorf("amountMin exceeds amountMax")
	}
	if f.IDFrom != "" && f.IDTo != "" && f.IDFrom > f.IDTo {
		return domain.ValidationErrorf("idFrom exceeds idTo")
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func labeled(v bool) *bool { return &v }

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:         "tx-001",
			AccountID:  "acc-001",
			Amount:     1000.00,
			Currency:   "USD",
			Merchant:   "ACME Store",
			Category:   "retail",
			Country:    "US",
			Status:     "completed",
			Timestamp:  time.Now().UTC().Truncate(time.Second),
			FraudLabel: labeled(false),
			Fields:     map[string]interface{}{"channel": "web"},
		}

		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if retrieved.Amount != tx.Amount {
			t.Errorf("expected Amount %.2f, got %.2f", tx.Amount, retrieved.Amount)
		}
		if retrieved.FraudLabel == nil || *retrieved.FraudLabel {
			t.Errorf("expected FraudLabel false, got %v", retrieved.FraudLabel)
		}
		if retrieved.Fields["channel"] != "web" {
			t.Errorf("expected channel field to survive round-trip, got %v", retrieved.Fields)
		}
	})

	t.Run("RequiresTransactionID", func(t *testing.T) {
		err := repo.SaveTransaction(ctx, &domain.Transaction{AccountID: "acc-001"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty id, got: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetRule(ctx, "nonexistent", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetScanJob(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestRuleVersioning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rule := &domain.Rule{
		ID:       "rule-amount",
		Name:     "Large amount check",
		Priority: domain.PriorityHigh,
		Type:     domain.RuleTypeValidation,
		Severity: domain.RiskHigh,
		Logic: domain.RuleLogic{
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterThan, Value: 10000.0},
			},
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	if rule.Version != 1 {
		t.Fatalf("expected first save to assign version 1, got %d", rule.Version)
	}

	// Second save of the same id becomes version 2 and the only active row.
	updated := *rule
	updated.Name = "Large amount check v2"
	updated.Version = 0
	if err := repo.SaveRule(ctx, &updated); err != nil {
		t.Fatalf("SaveRule v2 failed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected second save to assign version 2, got %d", updated.Version)
	}

	t.Run("GetLatest", func(t *testing.T) {
		got, err := repo.GetRule(ctx, "rule-amount", 0)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected latest version 2, got %d", got.Version)
		}
		if got.Name != "Large amount check v2" {
			t.Errorf("expected updated name, got %q", got.Name)
		}
		if len(got.Logic.Conditions) != 1 {
			t.Fatalf("expected 1 condition after round-trip, got %d", len(got.Logic.Conditions))
		}
		if got.Logic.Conditions[0].Operator != domain.OpGreaterThan {
			t.Errorf("expected operator to survive round-trip, got %s", got.Logic.Conditions[0].Operator)
		}
	})

	t.Run("GetExplicitVersion", func(t *testing.T) {
		got, err := repo.GetRule(ctx, "rule-amount", 1)
		if err != nil {
			t.Fatalf("GetRule v1 failed: %v", err)
		}
		if got.Name != "Large amount check" {
			t.Errorf("expected original name at v1, got %q", got.Name)
		}
		if got.Active {
			t.Error("expected v1 to be deactivated after v2 save")
		}
	})

	t.Run("ListRulesLatestOnly", func(t *testing.T) {
		other := &domain.Rule{
			ID:       "rule-inactive",
			Name:     "Disabled rule",
			Priority: domain.PriorityLow,
			Type:     domain.RuleTypeValidation,
			Logic: domain.RuleLogic{
				Conditions: []domain.Condition{
					{Field: "status", Operator: domain.OpEquals, Value: "void"},
				},
			},
			Active:    false,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.SaveRule(ctx, other); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		all, err := repo.ListRules(ctx, false)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 rules (latest versions), got %d", len(all))
		}

		active, err := repo.ListRules(ctx, true)
		if err != nil {
			t.Fatalf("ListRules(activeOnly) failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "rule-amount" {
			t.Errorf("expected only rule-amount active, got %d rules", len(active))
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		if err := repo.DeactivateRule(ctx, "rule-amount"); err != nil {
			t.Fatalf("DeactivateRule failed: %v", err)
		}
		active, err := repo.ListRules(ctx, true)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("expected no active rules, got %d", len(active))
		}

		if err := repo.DeactivateRule(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestTransactionPaging(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Two transactions share a timestamp so paging must break ties by id.
	seed := []*domain.Transaction{
		{ID: "tx-a", AccountID: "acc-1", Amount: 100, Currency: "USD", Status: "completed", Timestamp: base},
		{ID: "tx-b", AccountID: "acc-1", Amount: 250, Currency: "USD", Status: "completed", Timestamp: base},
		{ID: "tx-c", AccountID: "acc-2", Amount: 900, Currency: "EUR", Status: "pending", Timestamp: base.Add(time.Minute)},
		{ID: "tx-d", AccountID: "acc-2", Amount: 5000, Currency: "USD", Status: "completed", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, tx := range seed {
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction(%s) failed: %v", tx.ID, err)
		}
	}

	t.Run("Count", func(t *testing.T) {
		count, err := repo.CountTransactions(ctx, domain.ScanFilter{})
		if err != nil {
			t.Fatalf("CountTransactions failed: %v", err)
		}
		if count != 4 {
			t.Errorf("expected 4 transactions, got %d", count)
		}

		min := 200.0
		count, err = repo.CountTransactions(ctx, domain.ScanFilter{AmountMin: &min, Status: "completed"})
		if err != nil {
			t.Fatalf("CountTransactions with filter failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 matching transactions, got %d", count)
		}
	})

	t.Run("CursorWalk", func(t *testing.T) {
		page1, err := repo.PageTransactions(ctx, domain.ScanFilter{}, nil, 2)
		if err != nil {
			t.Fatalf("PageTransactions failed: %v", err)
		}
		if len(page1) != 2 || page1[0].ID != "tx-a" || page1[1].ID != "tx-b" {
			t.Fatalf("expected first page [tx-a tx-b], got %v", ids(page1))
		}

		last := page1[len(page1)-1]
		cursor := &domain.PageCursor{Timestamp: last.Timestamp, ID: last.ID}
		page2, err := repo.PageTransactions(ctx, domain.ScanFilter{}, cursor, 2)
		if err != nil {
			t.Fatalf("PageTransactions page 2 failed: %v", err)
		}
		if len(page2) != 2 || page2[0].ID != "tx-c" || page2[1].ID != "tx-d" {
			t.Fatalf("expected second page [tx-c tx-d], got %v", ids(page2))
		}

		last = page2[len(page2)-1]
		cursor = &domain.PageCursor{Timestamp: last.Timestamp, ID: last.ID}
		page3, err := repo.PageTransactions(ctx, domain.ScanFilter{}, cursor, 2)
		if err != nil {
			t.Fatalf("PageTransactions page 3 failed: %v", err)
		}
		if len(page3) != 0 {
			t.Errorf("expected empty final page, got %v", ids(page3))
		}
	})

	t.Run("FilteredPage", func(t *testing.T) {
		from := base.Add(30 * time.Second)
		out, err := repo.PageTransactions(ctx, domain.ScanFilter{DateFrom: &from, Status: "completed"}, nil, 10)
		if err != nil {
			t.Fatalf("PageTransactions failed: %v", err)
		}
		if len(out) != 1 || out[0].ID != "tx-d" {
			t.Errorf("expected [tx-d], got %v", ids(out))
		}
	})

	t.Run("TransactionsByKey", func(t *testing.T) {
		out, err := repo.TransactionsByKey(ctx, "account_id", "acc-2", base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("TransactionsByKey failed: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 transactions for acc-2, got %d", len(out))
		}
		// Newest first.
		if out[0].ID != "tx-d" || out[1].ID != "tx-c" {
			t.Errorf("expected [tx-d tx-c] newest first, got %v", ids(out))
		}
	})

	t.Run("UnsupportedWindowKey", func(t *testing.T) {
		_, err := repo.TransactionsByKey(ctx, "fields.device_id", "x", base, base.Add(time.Hour))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for non-column key, got: %v", err)
		}
	})
}

func TestDetectionResultRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	res := &domain.FraudDetectionResult{
		ID:            "det-001",
		TransactionID: "tx-001",
		IsFraudulent:  true,
		Score:         82.5,
		RiskLevel:     domain.RiskHigh,
		Recommend:     domain.RecommendFlag,
		RuleResults: []domain.RuleExecutionResult{
			{RuleID: "rule-001", RuleVersion: 3, Outcome: domain.OutcomeFail, Confidence: 0.9, Severity: domain.RiskHigh},
			{RuleID: "rule-002", RuleVersion: 1, Outcome: domain.OutcomePass, Confidence: 0.4},
		},
		EvaluatedAt: time.Now().UTC().Truncate(time.Second),
		Duration:    12 * time.Millisecond,
	}

	if err := repo.SaveDetectionResult(ctx, res); err != nil {
		t.Fatalf("SaveDetectionResult failed: %v", err)
	}

	got, err := repo.GetDetectionResult(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetDetectionResult failed: %v", err)
	}
	if !got.IsFraudulent {
		t.Error("expected IsFraudulent to survive round-trip")
	}
	if got.Score != res.Score {
		t.Errorf("expected score %.1f, got %.1f", res.Score, got.Score)
	}
	if got.RiskLevel != domain.RiskHigh || got.Recommend != domain.RecommendFlag {
		t.Errorf("expected HIGH/flag, got %s/%s", got.RiskLevel, got.Recommend)
	}
	if len(got.RuleResults) != 2 || got.RuleResults[0].Outcome != domain.OutcomeFail {
		t.Errorf("expected rule results to survive round-trip, got %v", got.RuleResults)
	}
	if got.Duration != res.Duration {
		t.Errorf("expected duration %v, got %v", res.Duration, got.Duration)
	}
}

func TestScanJobLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	min := 100.0
	job := &domain.ScanJob{
		ID:          "scan-001",
		Filter:      domain.ScanFilter{AmountMin: &min, Status: "completed"},
		Status:      domain.JobQueued,
		SubmittedAt: now,
	}

	if err := repo.SaveScanJob(ctx, job); err != nil {
		t.Fatalf("SaveScanJob failed: %v", err)
	}

	started := now.Add(time.Second)
	job.Status = domain.JobRunning
	job.StartedAt = &started
	job.Total = 1200
	job.Processed = 500
	job.Flagged = 7
	if err := repo.UpdateScanJob(ctx, job); err != nil {
		t.Fatalf("UpdateScanJob failed: %v", err)
	}

	got, err := repo.GetScanJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetScanJob failed: %v", err)
	}
	if got.Status != domain.JobRunning {
		t.Errorf("expected RUNNING, got %s", got.Status)
	}
	if got.Processed != 500 || got.Flagged != 7 {
		t.Errorf("expected progress 500/7, got %d/%d", got.Processed, got.Flagged)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt %v, got %v", started, got.StartedAt)
	}
	if got.Filter.AmountMin == nil || *got.Filter.AmountMin != min {
		t.Errorf("expected filter to survive round-trip, got %+v", got.Filter)
	}

	t.Run("UpdateMissing", func(t *testing.T) {
		missing := &domain.ScanJob{ID: "scan-999", Status: domain.JobRunning, SubmittedAt: now}
		if err := repo.UpdateScanJob(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestTrainingJobRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := &domain.TrainingJob{
		ID:          "train-001",
		RuleID:      "rule-ml",
		Params:      domain.Hyperparams{LearningRate: 0.05, Epochs: 40, HoldoutRatio: 0.2},
		Filter:      domain.ScanFilter{Status: "completed"},
		Status:      domain.TrainingQueued,
		SubmittedAt: now,
	}

	if err := repo.SaveTrainingJob(ctx, job); err != nil {
		t.Fatalf("SaveTrainingJob failed: %v", err)
	}

	finished := now.Add(time.Minute)
	job.Status = domain.TrainingCompleted
	job.ModelRef = "model-abc123"
	job.Eval = &domain.TestResult{
		RuleID:    "rule-ml",
		Evaluated: 200,
		Precision: 0.91,
		Recall:    0.88,
	}
	job.FinishedAt = &finished
	if err := repo.UpdateTrainingJob(ctx, job); err != nil {
		t.Fatalf("UpdateTrainingJob failed: %v", err)
	}

	got, err := repo.GetTrainingJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetTrainingJob failed: %v", err)
	}
	if got.Status != domain.TrainingCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.ModelRef != "model-abc123" {
		t.Errorf("expected model ref to survive round-trip, got %q", got.ModelRef)
	}
	if got.Params.Epochs != 40 {
		t.Errorf("expected hyperparams to survive round-trip, got %+v", got.Params)
	}
	if got.Eval == nil || got.Eval.Precision != 0.91 {
		t.Errorf("expected eval metrics to survive round-trip, got %+v", got.Eval)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func ids(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

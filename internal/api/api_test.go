package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fraudwatch/kestrel/internal/backtest"
	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/history"
	"github.com/fraudwatch/kestrel/internal/metrics"
	"github.com/fraudwatch/kestrel/internal/mlmodel"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/repository"
	"github.com/fraudwatch/kestrel/internal/rules"
	"github.com/fraudwatch/kestrel/internal/scan"
	"github.com/fraudwatch/kestrel/internal/training"
)

func labeled(v bool) *bool { return &v }

type testEnv struct {
	server *Server
	repo   domain.Repository
	store  *rules.Store
}

// newTestEnv wires the full stack against a throwaway SQLite database,
// with one active high-amount rule loaded.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	log := slog.Default()
	ctx := context.Background()

	store, err := rules.NewStore(ctx, repo, log)
	if err != nil {
		t.Fatalf("failed to create rule store: %v", err)
	}

	rule := &domain.Rule{
		ID:       "rule-high-amount",
		Name:     "High amount",
		Priority: domain.PriorityCritical,
		Type:     domain.RuleTypeValidation,
		Severity: domain.RiskHigh,
		Logic: domain.RuleLogic{
			Conditions: []domain.Condition{
				{Field: "amount", Operator: domain.OpGreaterThan, Value: 1000.0},
			},
		},
		Active: true,
	}
	if _, err := store.Put(ctx, rule); err != nil {
		t.Fatalf("failed to put rule: %v", err)
	}

	lru := cache.NewLRUCache(1000)
	backend := mlmodel.NewRegistry()
	if err := backend.Register("baseline", []float64{1, 0, 0}, 0); err != nil {
		t.Fatalf("failed to register baseline model: %v", err)
	}
	windows := history.NewService(repo, lru)
	exec := rules.NewExecutor(backend, windows, 0)
	tracker := metrics.NewTracker(log)
	pipe := pipeline.New(store, exec, tracker, nil, log, 0)

	scans := scan.NewManager(repo, pipe, nil, log, 1, 50)
	scans.Start()
	t.Cleanup(scans.Stop)

	trainer := training.NewManager(repo, backend, store, nil, log, 1)
	trainer.Start()
	t.Cleanup(trainer.Stop)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Repo:      repo,
		Cache:     lru,
		Store:     store,
		Pipe:      pipe,
		Scans:     scans,
		Training:  trainer,
		Backtests: backtest.NewRunner(repo, exec, log),
		Tracker:   tracker,
		History:   windows,
		Version:   "test-v1",
	})

	return &testEnv{server: server, repo: repo, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	e := newTestEnv(t)

	t.Run("CleanTransaction", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/evaluate", TransactionRequest{
			AccountID: "acc-001",
			Amount:    42.50,
			Currency:  "USD",
			Merchant:  "corner-store",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		decode(t, rr, &resp)
		if resp.Result == nil {
			t.Fatal("expected a result")
		}
		if resp.Result.IsFraudulent {
			t.Errorf("expected clean verdict, got score=%f", resp.Result.Score)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}

		// The verdict is retrievable afterwards.
		rr = e.do(t, http.MethodGet, "/results/"+resp.Result.ID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected stored result, got %d", rr.Code)
		}
	})

	t.Run("FlaggedTransaction", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/evaluate", TransactionRequest{
			AccountID: "acc-001",
			Amount:    250000,
			Currency:  "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		decode(t, rr, &resp)
		if !resp.Result.IsFraudulent {
			t.Error("expected fraudulent verdict for high amount")
		}
		if resp.Result.RiskLevel.Rank() < domain.RiskHigh.Rank() {
			t.Errorf("expected at least HIGH risk, got %s", resp.Result.RiskLevel)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("not-json"))
		rr := httptest.NewRecorder()
		e.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingAccountID", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/evaluate", TransactionRequest{Amount: 10, Currency: "USD"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/evaluate", TransactionRequest{
			AccountID: "acc-001", Amount: -5, Currency: "USD",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/transactions", TransactionRequest{
		ID:         "tx-ingest-001",
		AccountID:  "acc-002",
		Amount:     99.95,
		Currency:   "EUR",
		FraudLabel: labeled(false),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/transactions/tx-ingest-001", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var tx domain.Transaction
	decode(t, rr, &tx)
	if tx.FraudLabel == nil || *tx.FraudLabel {
		t.Error("expected fraud label false to round-trip")
	}

	rr = e.do(t, http.MethodGet, "/transactions/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestRuleEndpoints(t *testing.T) {
	e := newTestEnv(t)

	t.Run("List", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})

	t.Run("CreateAndVersion", func(t *testing.T) {
		rule := domain.Rule{
			ID:       "rule-country",
			Name:     "Blocked country",
			Priority: domain.PriorityHigh,
			Type:     domain.RuleTypeValidation,
			Logic: domain.RuleLogic{
				Conditions: []domain.Condition{
					{Field: "country", Operator: domain.OpEquals, Value: "KP"},
				},
			},
			Active: true,
		}
		rr := e.do(t, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var saved domain.Rule
		decode(t, rr, &saved)
		if saved.Version != 1 {
			t.Errorf("expected version 1, got %d", saved.Version)
		}

		// Saving again becomes version 2.
		rr = e.do(t, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		decode(t, rr, &saved)
		if saved.Version != 2 {
			t.Errorf("expected version 2, got %d", saved.Version)
		}

		// The first version stays reachable by query parameter.
		rr = e.do(t, http.MethodGet, "/rules/rule-country?version=1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		decode(t, rr, &saved)
		if saved.Version != 1 {
			t.Errorf("expected version 1, got %d", saved.Version)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/rules", domain.Rule{ID: "rule-bad", Name: "No logic"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/rules/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("DeactivateAndReload", func(t *testing.T) {
		rr := e.do(t, http.MethodDelete, "/rules/rule-high-amount", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		// A formerly flagged amount now passes.
		rr = e.do(t, http.MethodPost, "/evaluate", TransactionRequest{
			AccountID: "acc-001", Amount: 250000, Currency: "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp EvaluateResponse
		decode(t, rr, &resp)
		if resp.Result.IsFraudulent {
			t.Error("expected deactivated rule to stop firing")
		}

		rr = e.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 from reload, got %d", rr.Code)
		}
	})
}

func TestRuleBacktestEndpoint(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		fraud := i < 5
		amount := 100.0
		if fraud {
			amount = 9000.0
		}
		tx := &domain.Transaction{
			ID:         fmt.Sprintf("tx-bt-%02d", i),
			AccountID:  "acc-001",
			Amount:     amount,
			Currency:   "USD",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			FraudLabel: labeled(fraud),
		}
		if err := e.repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
	}

	rr := e.do(t, http.MethodPost, "/rules/rule-high-amount/test", TestRuleRequest{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res domain.TestResult
	decode(t, rr, &res)
	if res.Evaluated != 20 {
		t.Errorf("expected 20 evaluated, got %d", res.Evaluated)
	}
	if res.TruePositives != 5 || res.FalseNegatives != 0 {
		t.Errorf("expected clean separation, got tp=%d fn=%d", res.TruePositives, res.FalseNegatives)
	}
	if res.Recall != 1.0 {
		t.Errorf("expected recall 1.0, got %f", res.Recall)
	}

	rr = e.do(t, http.MethodPost, "/rules/missing/test", TestRuleRequest{})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestScanEndpoints(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		amount := 50.0
		if i%5 == 0 {
			amount = 7500.0
		}
		tx := &domain.Transaction{
			ID:        fmt.Sprintf("tx-scan-%02d", i),
			AccountID: "acc-003",
			Amount:    amount,
			Currency:  "USD",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := e.repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("failed to seed transaction: %v", err)
		}
	}

	rr := e.do(t, http.MethodPost, "/scans", domain.ScanFilter{})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var job domain.ScanJob
	decode(t, rr, &job)
	if job.ID == "" {
		t.Fatal("expected job id")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rr = e.do(t, http.MethodGet, "/scans/"+job.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		decode(t, rr, &job)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan %s did not finish, status %s", job.ID, job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (error: %s)", job.Status, job.Error)
	}
	if job.Processed != 10 {
		t.Errorf("expected 10 processed, got %d", job.Processed)
	}
	if job.Flagged != 2 {
		t.Errorf("expected 2 flagged, got %d", job.Flagged)
	}

	t.Run("BadFilter", func(t *testing.T) {
		lo, hi := 100.0, 10.0
		rr := e.do(t, http.MethodPost, "/scans", domain.ScanFilter{AmountMin: &lo, AmountMax: &hi})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CancelUnknown", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/scans/missing/cancel", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestMetricsEndpoints(t *testing.T) {
	e := newTestEnv(t)

	// Two evaluations feed the per-rule accumulators.
	for _, amount := range []float64{50, 5000} {
		rr := e.do(t, http.MethodPost, "/evaluate", TransactionRequest{
			AccountID: "acc-001", Amount: amount, Currency: "USD",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("evaluate returned %d", rr.Code)
		}
	}

	rr := e.do(t, http.MethodGet, "/metrics/rules", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rr, &list)
	if list.Count != 1 {
		t.Errorf("expected metrics for 1 rule, got %d", list.Count)
	}

	rr = e.do(t, http.MethodGet, "/metrics/rules/rule-high-amount", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var m domain.PerformanceMetrics
	decode(t, rr, &m)
	if m.Executions != 2 {
		t.Errorf("expected 2 executions, got %d", m.Executions)
	}
	if m.FraudDetections != 1 {
		t.Errorf("expected 1 detection, got %d", m.FraudDetections)
	}

	rr = e.do(t, http.MethodPost, "/metrics/rules/rule-high-amount/false-positive", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/metrics/rules/rule-high-amount", nil)
	decode(t, rr, &m)
	if m.FalsePositives != 1 {
		t.Errorf("expected 1 false positive, got %d", m.FalsePositives)
	}

	rr = e.do(t, http.MethodPost, "/metrics/rules/rule-high-amount/reset", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/metrics/rules/rule-high-amount", nil)
	decode(t, rr, &m)
	if m.Executions != 0 {
		t.Errorf("expected counters reset, got %d executions", m.Executions)
	}

	rr = e.do(t, http.MethodGet, "/metrics/rules/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown rule, got %d", rr.Code)
	}
}

func TestTrainingEndpoints(t *testing.T) {
	e := newTestEnv(t)

	t.Run("UnknownRule", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/training", SubmitTrainingRequest{RuleID: "missing"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingRuleID", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/training", SubmitTrainingRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NotAnMLRule", func(t *testing.T) {
		rr := e.do(t, http.MethodPost, "/training", SubmitTrainingRequest{RuleID: "rule-high-amount"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("UnknownJob", func(t *testing.T) {
		rr := e.do(t, http.MethodGet, "/training/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}

	rr = e.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/backtest"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/history"
	"github.com/fraudwatch/kestrel/internal/metrics"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/rules"
	"github.com/fraudwatch/kestrel/internal/scan"
	"github.com/fraudwatch/kestrel/internal/training"
)

// Deps bundles everything the handlers reach into.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Store     *rules.Store
	Pipe      *pipeline.Pipeline
	Scans     *scan.Manager
	Training  *training.Manager
	Backtests *backtest.Runner
	Tracker   *metrics.Tracker
	History   *history.Service
	Version   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// velocityWindow is the live counter window bumped on every evaluation.
const velocityWindow = time.Hour

// TransactionRequest is the request body for POST /evaluate and
// POST /transactions.
type TransactionRequest struct {
	ID         string                 `json:"id,omitempty"`
	AccountID  string                 `json:"accountId"`
	Amount     float64                `json:"amount"`
	Currency   string                 `json:"currency"`
	Merchant   string                 `json:"merchant,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Country    string                 `json:"country,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	FraudLabel *bool                  `json:"fraudLabel,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

func (r *TransactionRequest) toTransaction() (*domain.Transaction, error) {
	if r.AccountID == "" {
		return nil, domain.ValidationErrorf("accountId is required")
	}
	if r.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}
	if r.Currency == "" {
		return nil, domain.ValidationErrorf("currency is required")
	}

	tx := &domain.Transaction{
		ID:         r.ID,
		AccountID:  r.AccountID,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Merchant:   r.Merchant,
		Category:   r.Category,
		Country:    r.Country,
		Status:     r.Status,
		FraudLabel: r.FraudLabel,
		Fields:     r.Fields,
		Timestamp:  time.Now().UTC(),
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if r.Timestamp != nil {
		tx.Timestamp = r.Timestamp.UTC()
	}
	return tx, nil
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	Result   *domain.FraudDetectionResult `json:"result"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate: store the transaction, run the full
// active rule set, persist and return the verdict.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, err)
		return
	}

	// Persist the transaction so scans and windows can see it. Evaluation
	// proceeds even if the write fails.
	if h.Repo != nil {
		if err := h.Repo.SaveTransaction(ctx, tx); err != nil {
			slog.Error("failed to save transaction", "transaction_id", tx.ID, "error", err)
		}
	}

	// Bump the live per-account velocity counter, fire-and-forget.
	if h.History != nil {
		if _, err := h.History.Track(ctx, "account_id", tx.AccountID, velocityWindow); err != nil {
			slog.Debug("velocity track failed", "account_id", tx.AccountID, "error", err)
		}
	}

	result, err := h.Pipe.Evaluate(ctx, tx)
	if err != nil {
		slog.Error("evaluation failed", "transaction_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "evaluation failed"})
		return
	}

	if h.Repo != nil {
		if err := h.Repo.SaveDetectionResult(ctx, result); err != nil {
			slog.Error("failed to save detection result", "result_id", result.ID, "error", err)
		}
	}

	resp := EvaluateResponse{Result: result}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.Version
	writeJSON(w, http.StatusOK, resp)
}

// IngestTransaction handles POST /transactions: store a transaction
// (optionally labeled) without evaluating it.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Repo.SaveTransaction(r.Context(), tx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetResult retrieves a detection result by ID.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.Repo.GetDetectionResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.Cache != nil {
		if err := h.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.Version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// ListRules returns the latest version of every rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := h.Store.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID; ?version= selects an older version.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be an integer"})
			return
		}
		version = n
	}

	rule, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates, versions, persists, and activates a rule. The
// same endpoint updates an existing rule: each save becomes the next
// version.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	saved, err := h.Store.Put(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "rule_id", saved.ID, "version", saved.Version)
	if h.Bus != nil {
		if payload, err := json.Marshal(saved); err == nil {
			if err := h.Bus.Publish(r.Context(), domain.TopicRuleActivated, payload); err != nil {
				slog.Error("rule event publish failed", "rule_id", saved.ID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusCreated, saved)
}

// DeactivateRule removes a rule from the active set.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if err := h.Store.Deactivate(r.Context(), ruleID); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("rule deactivated", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ReloadRules rebuilds the rule-set snapshot from the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// TestRuleRequest is the request body for POST /rules/{id}/test.
type TestRuleRequest struct {
	Version int               `json:"version,omitempty"`
	Filter  domain.ScanFilter `json:"filter"`
}

// TestRule backtests one rule against labeled history.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	rule, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Backtests.Run(r.Context(), rule, req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitScan handles POST /scans: the body is the scan filter.
func (h *Handler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	var filter domain.ScanFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	job, err := h.Scans.Submit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// GetScan returns scan job status and progress.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	job, err := h.Scans.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelScan requests cooperative cancellation of a scan job.
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	if err := h.Scans.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

// ListRuleMetrics returns performance metrics for all tracked rules.
func (h *Handler) ListRuleMetrics(w http.ResponseWriter, r *http.Request) {
	all := h.Tracker.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": all,
		"count":   len(all),
	})
}

// GetRuleMetrics returns performance metrics for one rule.
func (h *Handler) GetRuleMetrics(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if _, err := h.Store.Get(r.Context(), ruleID, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Tracker.Get(ruleID))
}

// ResetRuleMetrics zeroes a rule's accumulated metrics.
func (h *Handler) ResetRuleMetrics(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if _, err := h.Store.Get(r.Context(), ruleID, 0); err != nil {
		writeError(w, err)
		return
	}
	h.Tracker.Reset(ruleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ReportFalsePositive records an analyst-confirmed misfire for a rule.
func (h *Handler) ReportFalsePositive(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if _, err := h.Store.Get(r.Context(), ruleID, 0); err != nil {
		writeError(w, err)
		return
	}
	h.Tracker.ReportFalsePositive(ruleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// SubmitTrainingRequest is the request body for POST /training.
type SubmitTrainingRequest struct {
	RuleID string             `json:"ruleId"`
	Params domain.Hyperparams `json:"params"`
	Filter domain.ScanFilter  `json:"filter"`
}

// SubmitTraining queues a model training job.
func (h *Handler) SubmitTraining(w http.ResponseWriter, r *http.Request) {
	var req SubmitTrainingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.RuleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ruleId is required"})
		return
	}

	job, err := h.Training.Submit(r.Context(), req.RuleID, req.Params, req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// GetTraining returns training job status.
func (h *Handler) GetTraining(w http.ResponseWriter, r *http.Request) {
	job, err := h.Training.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrJobFailed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

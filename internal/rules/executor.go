package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/fraudwatch/kestrel/internal/condition"
	"github.com/fraudwatch/kestrel/internal/domain"
)

// Executor runs a single compiled rule against a transaction, owning the
// per-rule boundary: skip decisions, the soft timeout, and panic
// isolation. A fault in one rule never aborts its siblings.
type Executor struct {
	Backend domain.ModelBackend
	Windows domain.WindowProvider
	Timeout time.Duration
}

// NewExecutor creates a rule executor. timeout <= 0 falls back to 50ms.
func NewExecutor(backend domain.ModelBackend, windows domain.WindowProvider, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Executor{Backend: backend, Windows: windows, Timeout: timeout}
}

// Execute evaluates one rule against one transaction at time at. The
// returned result always carries a terminal outcome; failures inside the
// evaluator become ERROR results, never propagated errors.
func (e *Executor) Execute(ctx context.Context, cr *CompiledRule, tx *domain.Transaction, at time.Time) domain.RuleExecutionResult {
	start := time.Now()

	if !cr.Rule.Active || !cr.Rule.InValidity(at) {
		res := newResult(cr)
		res.Outcome = domain.OutcomeSkipped
		res.Message = "rule inactive or outside validity window"
		res.Duration = time.Since(start)
		return res
	}

	done := make(chan domain.RuleExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res := newResult(cr)
				res.Outcome = domain.OutcomeError
				res.Error = fmt.Sprintf("panic: %v", r)
				done <- res
			}
		}()
		done <- e.run(ctx, cr, tx, at)
	}()

	var res domain.RuleExecutionResult
	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()
	select {
	case res = <-done:
	case <-timer.C:
		res = newResult(cr)
		res.Outcome = domain.OutcomeError
		res.Error = "timeout"
	case <-ctx.Done():
		res = newResult(cr)
		res.Outcome = domain.OutcomeError
		res.Error = ctx.Err().Error()
	}
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) run(ctx context.Context, cr *CompiledRule, tx *domain.Transaction, at time.Time) domain.RuleExecutionResult {
	var (
		res domain.RuleExecutionResult
		err error
	)
	switch cr.Rule.Type {
	case domain.RuleTypeValidation:
		res, err = evalValidation(cr, tx.Context())
	case domain.RuleTypeScoring:
		res, err = evalScoring(cr, tx.Context())
	case domain.RuleTypePattern:
		res, err = e.runPattern(ctx, cr, tx, at)
	case domain.RuleTypeMachineLearning:
		if e.Backend == nil {
			res, err = newResult(cr), fmt.Errorf("no model backend configured")
		} else {
			res, err = evalML(ctx, e.Backend, cr, tx.Context())
		}
	default:
		res, err = newResult(cr), fmt.Errorf("unknown rule type %q", cr.Rule.Type)
	}
	if err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
	}
	return res
}

func (e *Executor) runPattern(ctx context.Context, cr *CompiledRule, tx *domain.Transaction, at time.Time) (domain.RuleExecutionResult, error) {
	p := cr.Rule.Logic.Pattern
	if e.Windows == nil {
		return newResult(cr), fmt.Errorf("no window provider configured")
	}
	keyVal, ok := lookupKey(tx, p.KeyField)
	if !ok {
		// No key on the record: nothing to correlate against, pattern
		// cannot trigger.
		res := newResult(cr)
		res.Outcome = domain.OutcomePass
		return res, nil
	}
	window, err := e.Windows.Window(ctx, p.KeyField, keyVal, p.Window(), at)
	if err != nil {
		return newResult(cr), fmt.Errorf("window lookup: %w", err)
	}
	return evalPattern(cr, tx, window)
}

func lookupKey(tx *domain.Transaction, field string) (string, bool) {
	v, ok := condition.Lookup(tx.Context(), field)
	if !ok {
		return "", false
	}
	s := fmt.Sprintf("%v", v)
	return s, s != ""
}

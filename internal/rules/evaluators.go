package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/fraudwatch/kestrel/internal/condition"
	"github.com/fraudwatch/kestrel/internal/domain"
)

// evalValidation runs the condition gate. Conditions describe the
// violation: a match is a FAIL. Confidence is fixed at 1.0; the gate is
// deterministic.
func evalValidation(cr *CompiledRule, fields map[string]interface{}) (domain.RuleExecutionResult, error) {
	res := newResult(cr)

	matched, err := condition.EvalList(cr.Rule.Logic.Conditions, fields)
	if err != nil {
		return res, err
	}
	res.Confidence = 1.0
	if !matched {
		res.Outcome = domain.OutcomePass
		return res, nil
	}

	res.Outcome = domain.OutcomeFail
	res.Score = 100
	res.Severity = cr.Rule.Severity
	for i := range cr.Rule.Logic.Conditions {
		c := &cr.Rule.Logic.Conditions[i]
		if ok, cerr := condition.EvalOne(c, fields); cerr == nil && ok {
			desc := c.Description
			if desc == "" {
				desc = fmt.Sprintf("%s %s", c.Field, c.Operator)
			}
			res.Triggered = append(res.Triggered, desc)
		}
	}
	res.Message = fmt.Sprintf("%d condition(s) violated", len(res.Triggered))
	return res, nil
}

// evalScoring sums weight * transform(normalized field value) across the
// factors and compares the total against the threshold, declared on a
// 0-100 scale.
func evalScoring(cr *CompiledRule, fields map[string]interface{}) (domain.RuleExecutionResult, error) {
	res := newResult(cr)
	sc := cr.Rule.Logic.Scoring

	total := 0.0
	factors := make(map[string]float64, len(sc.Factors))
	for _, f := range sc.Factors {
		raw, _ := condition.Lookup(fields, f.Field)
		v, ok := numeric(raw)
		if !ok {
			// Missing or non-numeric field contributes nothing.
			factors[f.Field] = 0
			continue
		}
		norm := clamp((v-f.Min)/(f.Max-f.Min), 0, 1)
		contribution := f.Weight * applyTransform(f.Transform, norm)
		factors[f.Field] = contribution
		total += contribution
	}

	frac := sc.Threshold / 100
	res.RiskFactors = factors
	res.Action = sc.Action

	if total >= frac {
		res.Outcome = domain.OutcomeFail
		res.Confidence = math.Min(1, total/frac)
		res.Score = res.Confidence * 100
		res.Severity = domain.RiskLevelForScore(res.Score)
		res.Message = fmt.Sprintf("score %.3f over threshold %.3f", total, frac)
	} else {
		res.Outcome = domain.OutcomePass
		res.Confidence = clamp(1-total/frac, 0, 1)
	}
	return res, nil
}

// evalPattern counts window records matching the pattern and fails once
// the count reaches the occurrence threshold. The evaluator is stateless;
// the caller supplies the [now-window, now] slice for the rule's key.
func evalPattern(cr *CompiledRule, tx *domain.Transaction, window []*domain.Transaction) (domain.RuleExecutionResult, error) {
	res := newResult(cr)
	p := cr.Rule.Logic.Pattern

	count := 0
	if p.Type == domain.PatternCustom {
		txCtx := tx.Context()
		for _, rec := range window {
			out, _, err := cr.Program.Eval(map[string]interface{}{
				"tx":  txCtx,
				"rec": rec.Context(),
			})
			if err != nil {
				return res, fmt.Errorf("pattern expression: %w", err)
			}
			if b, ok := out.Value().(bool); ok && b {
				count++
			}
		}
	} else {
		for _, rec := range window {
			ok, err := condition.EvalList(p.Conditions, rec.Context())
			if err != nil {
				return res, err
			}
			if ok {
				count++
			}
		}
	}

	res.Confidence = clamp(float64(count)/float64(p.Threshold), 0, 1)
	if count >= p.Threshold {
		res.Outcome = domain.OutcomeFail
		res.Score = res.Confidence * 100
		res.Severity = cr.Rule.Severity
		res.Message = fmt.Sprintf("%d occurrence(s) in window, threshold %d", count, p.Threshold)
	} else {
		res.Outcome = domain.OutcomePass
	}
	return res, nil
}

// evalML dispatches to the registered scoring function and maps the
// returned probability to an outcome and a risk band.
func evalML(ctx context.Context, backend domain.ModelBackend, cr *CompiledRule, fields map[string]interface{}) (domain.RuleExecutionResult, error) {
	res := newResult(cr)
	m := cr.Rule.Logic.Model

	features := fields
	if len(cr.Rule.InputFields) > 0 {
		features = make(map[string]interface{}, len(cr.Rule.InputFields))
		for _, f := range cr.Rule.InputFields {
			if v, ok := condition.Lookup(fields, f); ok {
				features[f] = v
			}
		}
	}

	p, err := backend.Score(ctx, m.ModelRef, features)
	if err != nil {
		return res, fmt.Errorf("model %s: %w", m.ModelRef, err)
	}
	p = clamp(p, 0, 1)

	res.Confidence = p
	res.Score = p * 100
	res.Severity = domain.RiskLevelForScore(res.Score)
	if p >= m.Threshold {
		res.Outcome = domain.OutcomeFail
		res.Message = fmt.Sprintf("model probability %.3f over threshold %.3f", p, m.Threshold)
	} else {
		res.Outcome = domain.OutcomePass
	}
	return res, nil
}

func newResult(cr *CompiledRule) domain.RuleExecutionResult {
	return domain.RuleExecutionResult{
		RuleID:      cr.Rule.ID,
		RuleName:    cr.Rule.Name,
		RuleVersion: cr.Rule.Version,
	}
}

func applyTransform(t domain.Transform, x float64) float64 {
	switch t {
	case domain.TransformLogarithmic:
		return math.Copysign(math.Log1p(math.Abs(x)), x)
	case domain.TransformExponential:
		return math.Copysign(math.Expm1(math.Abs(x)), x)
	default:
		return x
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

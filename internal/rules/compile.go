// Package rules provides the rule evaluators, validation/compilation, and
// the active rule-set snapshot store.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/fraudwatch/kestrel/internal/condition"
	"github.com/fraudwatch/kestrel/internal/domain"
)

// celEnv is the shared CEL environment for custom pattern expressions.
// "tx" is the current record's field map, "rec" the window record under
// inspection.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("rec", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// CompiledRule pairs a validated rule with whatever the evaluators need
// pre-built: for custom patterns, the compiled CEL program. Built once at
// rule create/load, never at evaluation time.
type CompiledRule struct {
	Rule    *domain.Rule
	Program cel.Program // non-nil only for custom patterns
}

// Compile validates a rule definition and pre-builds its evaluation
// artifacts. All structural problems surface here as ValidationError;
// evaluation assumes a compiled rule is well-formed.
func Compile(rule *domain.Rule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, domain.ValidationErrorf("rule id is required")
	}
	if rule.Name == "" {
		return nil, domain.ValidationErrorf("rule %s: name is required", rule.ID)
	}
	if !rule.Type.Valid() {
		return nil, domain.ValidationErrorf("rule %s: unknown type %q", rule.ID, rule.Type)
	}
	if rule.Priority < domain.PriorityLow || rule.Priority > domain.PriorityCritical {
		return nil, domain.ValidationErrorf("rule %s: priority out of range", rule.ID)
	}
	if rule.ValidFrom != nil && rule.ValidUntil != nil && rule.ValidUntil.Before(*rule.ValidFrom) {
		return nil, domain.ValidationErrorf("rule %s: validUntil before validFrom", rule.ID)
	}

	if rule.Severity == "" {
		rule.Severity = domain.RiskMedium
	}

	cr := &CompiledRule{Rule: rule}

	switch rule.Type {
	case domain.RuleTypeValidation:
		if len(rule.Logic.Conditions) == 0 {
			return nil, domain.ValidationErrorf("rule %s: validation rule needs conditions", rule.ID)
		}
		if err := condition.Validate(rule.Logic.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}

	case domain.RuleTypeScoring:
		sc := rule.Logic.Scoring
		if sc == nil || len(sc.Factors) == 0 {
			return nil, domain.ValidationErrorf("rule %s: scoring rule needs factors", rule.ID)
		}
		if sc.Threshold <= 0 || sc.Threshold > 100 {
			return nil, domain.ValidationErrorf("rule %s: threshold must be in (0, 100]", rule.ID)
		}
		for i, f := range sc.Factors {
			if f.Field == "" {
				return nil, domain.ValidationErrorf("rule %s: factor %d: field is required", rule.ID, i)
			}
			if f.Weight <= 0 {
				return nil, domain.ValidationErrorf("rule %s: factor %d: weight must be positive", rule.ID, i)
			}
			if f.Max <= f.Min {
				return nil, domain.ValidationErrorf("rule %s: factor %d: max must exceed min", rule.ID, i)
			}
			switch f.Transform {
			case domain.TransformLinear, domain.TransformLogarithmic, domain.TransformExponential:
			default:
				return nil, domain.ValidationErrorf("rule %s: factor %d: unknown transform %q", rule.ID, i, f.Transform)
			}
		}
		switch sc.Action {
		case "", domain.ActionFlag, domain.ActionBlock, domain.ActionReview:
		default:
			return nil, domain.ValidationErrorf("rule %s: unknown action %q", rule.ID, sc.Action)
		}

	case domain.RuleTypePattern:
		p := rule.Logic.Pattern
		if p == nil {
			return nil, domain.ValidationErrorf("rule %s: pattern rule needs a pattern spec", rule.ID)
		}
		if p.KeyField == "" {
			return nil, domain.ValidationErrorf("rule %s: pattern keyField is required", rule.ID)
		}
		if p.WindowSecs <= 0 {
			return nil, domain.ValidationErrorf("rule %s: pattern window must be positive", rule.ID)
		}
		if p.Threshold <= 0 {
			return nil, domain.ValidationErrorf("rule %s: pattern threshold must be positive", rule.ID)
		}
		switch p.Type {
		case domain.PatternVelocity, domain.PatternGeo, domain.PatternAmount, domain.PatternTimeBased:
			if err := condition.Validate(p.Conditions); err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		case domain.PatternCustom:
			if p.Expression == "" {
				return nil, domain.ValidationErrorf("rule %s: custom pattern needs an expression", rule.ID)
			}
			prog, err := compileExpression(p.Expression)
			if err != nil {
				return nil, domain.ValidationErrorf("rule %s: %v", rule.ID, err)
			}
			cr.Program = prog
		default:
			return nil, domain.ValidationErrorf("rule %s: unknown pattern type %q", rule.ID, p.Type)
		}

	case domain.RuleTypeMachineLearning:
		m := rule.Logic.Model
		if m == nil || m.ModelRef == "" {
			return nil, domain.ValidationErrorf("rule %s: ml rule needs a model reference", rule.ID)
		}
		if m.Threshold < 0 || m.Threshold > 1 {
			return nil, domain.ValidationErrorf("rule %s: ml threshold must be in [0, 1]", rule.ID)
		}
	}

	return cr, nil
}

func compileExpression(expr string) (cel.Program, error) {
	e, err := env()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return e.Program(ast)
}

// sortByPriority orders rules CRITICAL first, ties broken by id for
// deterministic result ordering.
func sortByPriority(rules []*CompiledRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Rule.Priority != rules[j].Rule.Priority {
			return rules[i].Rule.Priority > rules[j].Rule.Priority
		}
		return rules[i].Rule.ID < rules[j].Rule.ID
	})
}

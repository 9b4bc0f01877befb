package domain

import (
	"time"
)

// RuleType selects the evaluation strategy for a rule.
type RuleType string

const (
	RuleTypeValidation      RuleType = "VALIDATION"
	RuleTypeScoring         RuleType = "SCORING"
	RuleTypePattern         RuleType = "PATTERN"
	RuleTypeMachineLearning RuleType = "MACHINE_LEARNING"
)

// Valid reports whether the rule type is one of the four known strategies.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeValidation, RuleTypeScoring, RuleTypePattern, RuleTypeMachineLearning:
		return true
	}
	return false
}

// RulePriority orders rules during evaluation and weights their scores
// during aggregation.
type RulePriority int

const (
	PriorityLow RulePriority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Weight returns the aggregation weight for this priority (0.25 .. 1.0).
func (p RulePriority) Weight() float64 {
	return float64(p) / float64(PriorityCritical)
}

func (p RulePriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParsePriority converts a priority name to its value. Unknown names map
// to PriorityMedium.
func ParsePriority(s string) RulePriority {
	switch s {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "CRITICAL":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpBetween     Operator = "between"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains,
		OpStartsWith, OpEndsWith, OpRegex, OpIn, OpBetween:
		return true
	}
	return false
}

// LogicalOp combines a condition with its next sibling.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// Condition is a single field/operator/value test. Conditions form an
// ordered list evaluated left-to-right; Combinator joins a condition to
// the one that follows it (default AND).
type Condition struct {
	Field       string      `json:"field"`
	Operator    Operator    `json:"operator"`
	Value       interface{} `json:"value,omitempty"`
	Values      []interface{} `json:"values,omitempty"` // for "in" and "between"
	Combinator  LogicalOp   `json:"combinator,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Transform names the scoring transform applied to a normalized factor value.
type Transform string

const (
	TransformLinear      Transform = "linear"
	TransformLogarithmic Transform = "logarithmic"
	TransformExponential Transform = "exponential"
)

// ScoringFactor contributes weight * transform(normalized field value) to
// a scoring rule's total. Min/Max declare the normalization range; values
// outside it are clamped.
type ScoringFactor struct {
	Field     string    `json:"field"`
	Weight    float64   `json:"weight"`
	Transform Transform `json:"transform"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
}

// FailAction is carried into scoring results as metadata; it is never
// executed by the engine itself.
type FailAction string

const (
	ActionFlag   FailAction = "flag"
	ActionBlock  FailAction = "block"
	ActionReview FailAction = "review"
)

// ScoringLogic is the SCORING rule payload.
type ScoringLogic struct {
	Factors   []ScoringFactor `json:"factors"`
	Threshold float64         `json:"threshold"`
	Action    FailAction      `json:"action,omitempty"`
}

// PatternType selects the behavioral pattern family.
type PatternType string

const (
	PatternVelocity  PatternType = "velocity"
	PatternGeo       PatternType = "geographic"
	PatternAmount    PatternType = "amount"
	PatternTimeBased PatternType = "time_based"
	PatternCustom    PatternType = "custom"
)

// PatternSpec is the PATTERN rule payload. The evaluator counts prior
// records in [now-window, now] sharing KeyField that match Conditions and
// fails once the count reaches Threshold. Custom patterns carry a CEL
// expression instead of a condition list.
type PatternSpec struct {
	Type       PatternType `json:"type"`
	KeyField   string      `json:"keyField"`
	WindowSecs int         `json:"windowSecs"`
	Threshold  int         `json:"threshold"`
	Conditions []Condition `json:"conditions,omitempty"`
	Expression string      `json:"expression,omitempty"` // CEL, custom type only
}

// Window returns the pattern's lookback duration.
func (p *PatternSpec) Window() time.Duration {
	return time.Duration(p.WindowSecs) * time.Second
}

// ModelLogic is the MACHINE_LEARNING rule payload. ModelRef keys a scoring
// function registered with the ML backend; Threshold maps the returned
// probability to PASS/FAIL.
type ModelLogic struct {
	ModelRef  string  `json:"modelRef"`
	Threshold float64 `json:"threshold"`
}

// RuleLogic is the typed union over the four rule-type payloads. It is
// validated into this shape at rule-create time; evaluation never re-parses
// a raw blob.
type RuleLogic struct {
	Conditions []Condition   `json:"conditions,omitempty"`
	Scoring    *ScoringLogic `json:"scoring,omitempty"`
	Pattern    *PatternSpec  `json:"pattern,omitempty"`
	Model      *ModelLogic   `json:"model,omitempty"`
}

// Rule is a versioned fraud detection policy. Updates create a new version
// rather than mutating evaluation history; exactly one current version is
// active per rule id.
type Rule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Priority    RulePriority `json:"priority"`
	Type        RuleType     `json:"type"`
	Logic       RuleLogic    `json:"logic"`

	// Severity assigned to FAIL results of validation rules.
	Severity RiskLevel `json:"severity,omitempty"`

	InputFields  []string `json:"inputFields,omitempty"`
	OutputFields []string `json:"outputFields,omitempty"`

	Active     bool       `json:"active"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	Version   int       `json:"version"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InValidity reports whether the rule's validity window covers t.
func (r *Rule) InValidity(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && t.After(*r.ValidUntil) {
		return false
	}
	return true
}

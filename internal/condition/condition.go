// Package condition evaluates rule condition lists against flattened
// transaction field maps. Evaluation is pure: no I/O, no stored state
// beyond the compiled regex cache.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// regexCache holds compiled patterns keyed by source. Patterns are
// validated at rule-create time, so entries live for the rule's lifetime.
var regexCache sync.Map // string -> *regexp.Regexp

// compileRegex returns the cached compilation of pattern.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Lookup resolves a dot-notation path ("metadata.device_id") against a
// field map. Returns nil, false when any segment is missing or a
// non-terminal segment is not a map.
func Lookup(fields map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	cur := fields
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// EvalOne evaluates a single condition against the field map. A missing
// field never errors: the condition is simply false.
func EvalOne(c *domain.Condition, fields map[string]interface{}) (bool, error) {
	actual, ok := Lookup(fields, c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case domain.OpEquals:
		return compareEq(actual, c.Value), nil
	case domain.OpNotEquals:
		return !compareEq(actual, c.Value), nil
	case domain.OpGreaterThan:
		a, b, ok := bothNumeric(actual, c.Value)
		return ok && a > b, nil
	case domain.OpLessThan:
		a, b, ok := bothNumeric(actual, c.Value)
		return ok && a < b, nil
	case domain.OpContains:
		return strings.Contains(toString(actual), toString(c.Value)), nil
	case domain.OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(c.Value)), nil
	case domain.OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(c.Value)), nil
	case domain.OpRegex:
		re, err := compileRegex(toString(c.Value))
		if err != nil {
			return false, fmt.Errorf("regex %q: %w", toString(c.Value), err)
		}
		return re.MatchString(toString(actual)), nil
	case domain.OpIn:
		for _, v := range c.Values {
			if compareEq(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case domain.OpBetween:
		if len(c.Values) != 2 {
			return false, fmt.Errorf("between needs 2 bounds, got %d", len(c.Values))
		}
		a, lo, ok1 := bothNumeric(actual, c.Values[0])
		_, hi, ok2 := bothNumeric(actual, c.Values[1])
		return ok1 && ok2 && a >= lo && a <= hi, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// EvalList evaluates an ordered condition list left-to-right, joining
// each condition to the next with its Combinator (AND when unset).
// Short-circuits: a false AND operand or a true OR operand ends the
// current group without touching the remaining fields.
func EvalList(conds []domain.Condition, fields map[string]interface{}) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}

	result, err := EvalOne(&conds[0], fields)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(conds); i++ {
		op := conds[i-1].Combinator
		if op == "" {
			op = domain.LogicalAnd
		}
		// Short-circuit before evaluating the operand.
		if op == domain.LogicalAnd && !result {
			continue
		}
		if op == domain.LogicalOr && result {
			continue
		}
		next, err := EvalOne(&conds[i], fields)
		if err != nil {
			return false, err
		}
		if op == domain.LogicalAnd {
			result = result && next
		} else {
			result = result || next
		}
	}
	return result, nil
}

// Validate checks a condition list for structural problems: unknown
// operators, missing operands, uncompilable regexes. Regexes that pass
// are compiled into the shared cache so evaluation never compiles.
func Validate(conds []domain.Condition) error {
	for i := range conds {
		c := &conds[i]
		if c.Field == "" {
			return fmt.Errorf("condition %d: %w", i, domain.ValidationErrorf("field is required"))
		}
		if !c.Operator.Valid() {
			return domain.ValidationErrorf("condition %d: unknown operator %q", i, c.Operator)
		}
		switch c.Operator {
		case domain.OpIn:
			if len(c.Values) == 0 {
				return domain.ValidationErrorf("condition %d: in requires values", i)
			}
		case domain.OpBetween:
			if len(c.Values) != 2 {
				return domain.ValidationErrorf("condition %d: between requires exactly 2 values", i)
			}
		case domain.OpRegex:
			if _, err := compileRegex(toString(c.Value)); err != nil {
				return domain.ValidationErrorf("condition %d: bad regex: %v", i, err)
			}
		default:
			if c.Value == nil {
				return domain.ValidationErrorf("condition %d: value is required", i)
			}
		}
		if c.Combinator != "" && c.Combinator != domain.LogicalAnd && c.Combinator != domain.LogicalOr {
			return domain.ValidationErrorf("condition %d: unknown combinator %q", i, c.Combinator)
		}
	}
	return nil
}

// compareEq compares loosely: numerics compare as float64, everything
// else by string form.
func compareEq(a, b interface{}) bool {
	if af, bf, ok := bothNumeric(a, b); ok {
		return af == bf
	}
	return toString(a) == toString(b)
}

// bothNumeric coerces both values to float64; ok is false when either
// side is non-numeric.
func bothNumeric(a, b interface{}) (float64, float64, bool) {
	af, ok1 := toFloat(a)
	bf, ok2 := toFloat(b)
	return af, bf, ok1 && ok2
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

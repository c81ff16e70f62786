package engine

import (
	"context"
	"fmt"
	"strings"
)

// LiteralEvaluator is the default condition evaluator. It understands three
// shapes of expression against the execution scratch state:
//
//	key == value   true when fmt.Sprint(state[key]) equals value
//	key != value   the negation
//	key            true when key is set to a non-empty, non-false value
//
// Richer policy-based evaluation lives in the policy package; this evaluator
// keeps simple journeys dependency-free.
type LiteralEvaluator struct{}

// Evaluate implements ConditionEvaluator.
func (LiteralEvaluator) Evaluate(_ context.Context, condition string, state map[string]any) (bool, error) {
	expr := strings.TrimSpace(condition)
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}

	if key, want, ok := splitOperator(expr, "!="); ok {
		return fmt.Sprint(state[key]) != want, nil
	}
	if key, want, ok := splitOperator(expr, "=="); ok {
		return fmt.Sprint(state[key]) == want, nil
	}
	if key, want, ok := splitOperator(expr, "="); ok {
		return fmt.Sprint(state[key]) == want, nil
	}

	v, present := state[expr]
	if !present {
		return false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		return val != "" && val != "false", nil
	case nil:
		return false, nil
	default:
		return fmt.Sprint(val) != "0", nil
	}
}

func splitOperator(expr, op string) (key, value string, ok bool) {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(expr[:idx])
	value = strings.TrimSpace(expr[idx+len(op):])
	value = strings.Trim(value, `"'`)
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// Package policy evaluates journey transition conditions as Rego expressions
// against the execution scratch state. Conditions are declarative policy, not
// dynamic code: an expression can only inspect its input.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// RegoEvaluator compiles condition expressions into prepared Rego queries and
// evaluates them with the execution scratch state as input. Prepared queries
// are cached per expression, so repeated evaluation of the same condition
// pays compilation once.
type RegoEvaluator struct {
	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

// NewRegoEvaluator creates a Rego-backed condition evaluator.
func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{cache: make(map[string]rego.PreparedEvalQuery)}
}

// Evaluate compiles (or reuses) the expression as a Rego query and evaluates
// it against the scratch state. The expression sees the state under `input`,
// e.g. `input.approved == true` or `input.retries < 3`.
func (e *RegoEvaluator) Evaluate(ctx context.Context, condition string, state map[string]any) (bool, error) {
	query, err := e.prepared(ctx, condition)
	if err != nil {
		return false, err
	}

	results, err := query.Eval(ctx, rego.EvalInput(state))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return v, nil
	default:
		// A bare expression like `input.name` yields its value; treat any
		// defined non-boolean result as a match.
		return v != nil, nil
	}
}

// prepared returns the cached prepared query for an expression, compiling it
// on first use.
func (e *RegoEvaluator) prepared(ctx context.Context, condition string) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	query, ok := e.cache[condition]
	e.mu.Unlock()
	if ok {
		return query, nil
	}

	r := rego.New(rego.Query(condition))
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare condition %q: %w", condition, err)
	}
	slog.Debug("RegoEvaluator.prepared: compiled condition", "condition", condition)

	e.mu.Lock()
	e.cache[condition] = query
	e.mu.Unlock()
	return query, nil
}

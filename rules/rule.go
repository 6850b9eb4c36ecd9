// Package rules evaluates configurable boolean expressions against candidate
// actors during auto-assignment. The engine stays on its first-available
// policy; a rule narrows who counts as available.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stepflow-io/stepflow/types"
)

// Evaluator defines the interface for evaluating eligibility expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(env))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// EligibilityEnv builds the environment an eligibility expression is
// evaluated against: the candidate actor and the step awaiting assignment.
func EligibilityEnv(actor types.Actor, step types.WorkStep) map[string]interface{} {
	return map[string]interface{}{
		"actor": map[string]interface{}{
			"id":        actor.ID,
			"name":      actor.Name,
			"role":      string(actor.Role),
			"tenant_id": actor.TenantID,
		},
		"step": map[string]interface{}{
			"id":              step.ID,
			"title":           step.Title,
			"duration":        step.Duration,
			"sequence_number": step.SequenceNumber,
			"required_role":   string(step.RequiredRole),
			"workflow_id":     step.WorkflowID,
		},
	}
}

// FilterEligible returns the candidates passing the expression, preserving
// input order. An empty expression keeps everyone. Evaluation errors fail the
// whole filter so a broken rule never silently widens the candidate set.
func FilterEligible(evaluator Evaluator, expression string, candidates []types.Actor, step types.WorkStep) ([]types.Actor, error) {
	if expression == "" {
		return candidates, nil
	}

	var eligible []types.Actor
	for _, candidate := range candidates {
		ok, err := evaluator.Evaluate(expression, EligibilityEnv(candidate, step))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate eligibility rule '%s': %w", expression, err)
		}
		if ok {
			eligible = append(eligible, candidate)
		}
	}
	return eligible, nil
}

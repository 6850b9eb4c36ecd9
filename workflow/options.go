package workflow

import (
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/rules"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source. Tests inject a fixed clock to
// make priority tiers and completion estimates deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger for swallowed best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEligibilityRule restricts auto-assignment candidates to those passing
// the expression, e.g. `actor.role == step.required_role && actor.tenant_id ==
// step.workflow_id`. The first-available pick then applies to the filtered
// set. An empty rule keeps every candidate the directory returns.
func WithEligibilityRule(expression string) Option {
	return func(e *Engine) {
		e.eligibilityRule = expression
	}
}

// WithEvaluator replaces the expression evaluator used for eligibility rules.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

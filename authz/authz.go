// Package authz answers role and assignment based access questions over
// in-memory data. Decisions carry a reason only on denial, for UI messaging
// and audit logging.
package authz

import "github.com/stepflow-io/stepflow/types"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Gate performs role/assignment based access checks. It holds no state and
// does no I/O; a zero value is ready to use.
type Gate struct{}

// NewGate creates a Gate.
func NewGate() *Gate {
	return &Gate{}
}

// CanAccessStep decides whether the actor may view the step. Admins and
// workflow managers see everything; otherwise the actor must be assigned to
// the step or hold its required role.
//
// Tenant scoping: Actor and Workflow carry a TenantID but no tenant filter is
// enforced here. Kept as a placeholder until the scoping rules are settled.
func (g *Gate) CanAccessStep(actor types.Actor, step types.WorkStep) Decision {
	if actor.Role == types.RoleAdmin || actor.Role == types.RoleWorkflowManager {
		return allow()
	}
	if step.IsAssignedTo(actor.ID) {
		return allow()
	}
	if actor.Role == step.RequiredRole {
		return allow()
	}
	return deny("no role or assignment match")
}

// CanAssignStep decides whether the actor may assign the step to the
// candidate. Only admins and workflow managers assign.
func (g *Gate) CanAssignStep(actor types.Actor, step types.WorkStep, candidateID uint64) Decision {
	if actor.Role == types.RoleAdmin || actor.Role == types.RoleWorkflowManager {
		return allow()
	}
	return deny("only workflow managers and admins can assign work steps")
}

// CanManageWorkflow decides whether the actor may manage the workflow. Only
// admins and workflow managers manage.
func (g *Gate) CanManageWorkflow(actor types.Actor, workflowID uint64) Decision {
	if actor.Role == types.RoleAdmin || actor.Role == types.RoleWorkflowManager {
		return allow()
	}
	return deny("only workflow managers and admins can manage workflows")
}

// FilterAccessibleSteps returns the subset of steps the actor may view, in
// input order. A nil actor (unauthenticated caller) gets nothing.
func (g *Gate) FilterAccessibleSteps(actor *types.Actor, steps []types.WorkStep) []types.WorkStep {
	if actor == nil {
		return []types.WorkStep{}
	}
	accessible := make([]types.WorkStep, 0, len(steps))
	for _, step := range steps {
		if g.CanAccessStep(*actor, step).Allowed {
			accessible = append(accessible, step)
		}
	}
	return accessible
}

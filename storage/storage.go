package storage

import (
	"context"

	"github.com/stepflow-io/stepflow/types"
)

// Storage defines the interface for persisting and retrieving workflows, work
// steps and actors. The engine treats it as its only external data dependency;
// implementations decide transport and durability.
type Storage interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error)

	// SaveStep saves a work step.
	SaveStep(ctx context.Context, step types.WorkStep) error

	// GetStep retrieves a work step by ID.
	GetStep(ctx context.Context, id uint64) (types.WorkStep, error)

	// ListSteps returns all steps of a workflow ordered by sequence number.
	ListSteps(ctx context.Context, workflowID uint64) ([]types.WorkStep, error)

	// DeleteStep removes a work step.
	DeleteStep(ctx context.Context, id uint64) error

	// SaveActor saves an actor to the directory.
	SaveActor(ctx context.Context, actor types.Actor) error

	// GetActor retrieves an actor by ID.
	GetActor(ctx context.Context, id uint64) (types.Actor, error)

	// FindActorsByRole returns actors holding the given role. The result
	// order decides who the engine auto-assigns first, so implementations
	// must document their ordering policy.
	FindActorsByRole(ctx context.Context, role types.Role) ([]types.Actor, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

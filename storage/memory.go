package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stepflow-io/stepflow/types"
)

// Errors
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrActorNotFound    = errors.New("actor not found")
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// FindActorsByRole returns actors in registration order, which makes
// first-available auto-assignment deterministic.
type MemoryStorage struct {
	workflows  map[uint64]types.Workflow
	steps      map[uint64]types.WorkStep
	actors     map[uint64]types.Actor
	actorOrder []uint64
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[uint64]types.Workflow),
		steps:     make(map[uint64]types.WorkStep),
		actors:    make(map[uint64]types.Actor),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf
		return struct{}{}, nil
	})
	return err
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.workflows, id, ErrWorkflowNotFound)
}

// SaveStep saves a work step to memory.
func (s *MemoryStorage) SaveStep(ctx context.Context, step types.WorkStep) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.steps[step.ID] = step
		return struct{}{}, nil
	})
	return err
}

// GetStep retrieves a work step from memory.
func (s *MemoryStorage) GetStep(ctx context.Context, id uint64) (types.WorkStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.steps, id, ErrStepNotFound)
}

// ListSteps returns the steps of a workflow ordered by sequence number.
func (s *MemoryStorage) ListSteps(ctx context.Context, workflowID uint64) ([]types.WorkStep, error) {
	return withContext(ctx, func() ([]types.WorkStep, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var steps []types.WorkStep
		for _, step := range s.steps {
			if step.WorkflowID == workflowID {
				steps = append(steps, step)
			}
		}
		sort.Slice(steps, func(i, j int) bool {
			return steps[i].SequenceNumber < steps[j].SequenceNumber
		})
		return steps, nil
	})
}

// DeleteStep removes a work step from memory.
func (s *MemoryStorage) DeleteStep(ctx context.Context, id uint64) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.steps[id]; !ok {
			return struct{}{}, fmt.Errorf("%w: id=%d", ErrStepNotFound, id)
		}
		delete(s.steps, id)
		return struct{}{}, nil
	})
	return err
}

// SaveActor saves an actor to memory.
func (s *MemoryStorage) SaveActor(ctx context.Context, actor types.Actor) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.actors[actor.ID]; !ok {
			s.actorOrder = append(s.actorOrder, actor.ID)
		}
		s.actors[actor.ID] = actor
		return struct{}{}, nil
	})
	return err
}

// GetActor retrieves an actor from memory.
func (s *MemoryStorage) GetActor(ctx context.Context, id uint64) (types.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.actors, id, ErrActorNotFound)
}

// FindActorsByRole returns actors with the given role in registration order.
func (s *MemoryStorage) FindActorsByRole(ctx context.Context, role types.Role) ([]types.Actor, error) {
	return withContext(ctx, func() ([]types.Actor, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var actors []types.Actor
		for _, id := range s.actorOrder {
			if actor, ok := s.actors[id]; ok && actor.Role == role {
				actors = append(actors, actor)
			}
		}
		return actors, nil
	})
}

// SaveSteps saves multiple work steps in a single lock.
func (s *MemoryStorage) SaveSteps(ctx context.Context, steps []types.WorkStep) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, step := range steps {
			s.steps[step.ID] = step
		}
		return struct{}{}, nil
	})
	return err
}

// ClearCompleted removes completed steps that no longer belong to any stored
// workflow. Steps of live workflows are kept so workflow-completion detection
// still sees them.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, step := range s.steps {
			if step.Status != types.StatusCompleted {
				continue
			}
			if _, live := s.workflows[step.WorkflowID]; !live {
				delete(s.steps, id)
			}
		}
		return struct{}{}, nil
	})
	return err
}

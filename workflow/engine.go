package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/stepflow-io/stepflow/authz"
	"github.com/stepflow-io/stepflow/notify"
	"github.com/stepflow-io/stepflow/priority"
	"github.com/stepflow-io/stepflow/rules"
	"github.com/stepflow-io/stepflow/storage"
	"github.com/stepflow-io/stepflow/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound     = errors.New("workflow not found")
	ErrStepNotFound         = errors.New("step not found")
	ErrActorNotFound        = errors.New("actor not found")
	ErrWorkflowMissing      = errors.New("step has no resolvable workflow")
	ErrStepAlreadyCompleted = errors.New("step is already completed")
	ErrValidation           = errors.New("validation failed")
	ErrNotAuthorized        = errors.New("not authorized")
)

// Engine drives the sequential work-step state machine: step completion,
// next-step lookup, auto-assignment and workflow-completion detection. All
// mutations of one workflow are serialized behind a per-workflow lock; reads
// observe a consistent snapshot per call but not across calls.
type Engine struct {
	storage         storage.Storage
	notifier        notify.Publisher
	gate            *authz.Gate
	evaluator       rules.Evaluator
	eligibilityRule string
	generate        generator.Generator
	logger          *slog.Logger
	now             func() time.Time

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// NewEngine creates an Engine with the given generator, storage and
// notification channel. Storage defaults to in-memory, the notifier to a
// Collector, the clock to time.Now.
func NewEngine(generate generator.Generator, store storage.Storage, notifier notify.Publisher, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if notifier == nil {
		notifier = notify.NewCollector()
	}

	e := &Engine{
		storage:   store,
		notifier:  notifier,
		gate:      authz.NewGate(),
		evaluator: rules.NewExprEvaluator(),
		generate:  generate,
		logger:    slog.Default(),
		now:       time.Now,
		locks:     make(map[uint64]*sync.Mutex),
	}

	for _, option := range options {
		option(e)
	}

	return e, nil
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// lockWorkflow serializes mutations of one workflow. Completions racing on
// adjacent steps of the same workflow would otherwise interleave their
// advancement sub-steps.
func (e *Engine) lockWorkflow(workflowID uint64) func() {
	e.mu.Lock()
	lock, ok := e.locks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[workflowID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// getStep fetches a step, mapping storage misses to ErrStepNotFound and
// leaving upstream I/O failures intact for the caller.
func (e *Engine) getStep(ctx context.Context, id uint64) (types.WorkStep, error) {
	step, err := e.storage.GetStep(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrStepNotFound) || errors.Is(err, storage.ErrNotFound) {
			return types.WorkStep{}, fmt.Errorf("%w: id=%d", ErrStepNotFound, id)
		}
		return types.WorkStep{}, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

func (e *Engine) getWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) || errors.Is(err, storage.ErrNotFound) {
			return types.Workflow{}, fmt.Errorf("%w: id=%d", ErrWorkflowNotFound, id)
		}
		return types.Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// CreateWorkflow registers a workflow. The deadline is fixed here; there is
// no update path for it.
func (e *Engine) CreateWorkflow(ctx context.Context, name, description string, managerID uint64, deadline *time.Time) (*types.Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrValidation)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now().UnixMilli()
	wf := types.Workflow{
		ID:          id,
		Name:        name,
		Description: description,
		ManagerID:   managerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if deadline != nil {
		wf.Deadline = deadline.UnixMilli()
	}

	if err := e.storage.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	return &wf, nil
}

// CreateStepRequest carries the fields needed to attach a step to a workflow.
type CreateStepRequest struct {
	WorkflowID     uint64
	Title          string
	Description    string
	Duration       int // hours
	SequenceNumber int
	RequiredRole   types.Role
	AssignedTo     []uint64
}

// CreateStep validates and attaches a new step to a workflow. This is the
// validation boundary for durations and enum values; nothing downstream
// re-checks them.
func (e *Engine) CreateStep(ctx context.Context, req CreateStepRequest) (*types.WorkStep, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if req.Title == "" {
		return nil, fmt.Errorf("%w: step title is required", ErrValidation)
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be a positive number of hours, got %d", ErrValidation, req.Duration)
	}
	if req.SequenceNumber < 1 {
		return nil, fmt.Errorf("%w: sequence number must be >= 1, got %d", ErrValidation, req.SequenceNumber)
	}
	if !req.RequiredRole.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, req.RequiredRole)
	}

	wf, err := e.getWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockWorkflow(wf.ID)
	defer unlock()

	steps, err := e.storage.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	for _, existing := range steps {
		if existing.SequenceNumber == req.SequenceNumber {
			return nil, fmt.Errorf("%w: sequence number %d already used by step %d", ErrValidation, req.SequenceNumber, existing.ID)
		}
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	step := types.WorkStep{
		ID:             id,
		Title:          req.Title,
		Description:    req.Description,
		Duration:       req.Duration,
		Status:         types.StatusPending,
		Priority:       priority.ForStep(wf, append(steps, types.WorkStep{Duration: req.Duration}), now),
		WorkflowID:     wf.ID,
		SequenceNumber: req.SequenceNumber,
		RequiredRole:   req.RequiredRole,
		AssignedTo:     req.AssignedTo,
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
	}

	if err := e.storage.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to save step: %w", err)
	}

	e.refreshPriorities(ctx, wf)
	return &step, nil
}

// RegisterActor adds an actor to the directory.
func (e *Engine) RegisterActor(ctx context.Context, name string, role types.Role) (*types.Actor, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if name == "" {
		return nil, fmt.Errorf("%w: actor name is required", ErrValidation)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	actor := types.Actor{ID: id, Name: name, Role: role}
	if err := e.storage.SaveActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("failed to save actor: %w", err)
	}
	return &actor, nil
}

// CompleteStep marks a step completed, notifies the workflow manager, and
// advances the workflow: the step with the next sequence number is assigned
// to the first available actor holding its required role. When no next step
// exists the workflow is complete and the manager is told so.
//
// Completing an already-completed step is rejected; it neither re-assigns nor
// re-notifies. Auto-assignment is best-effort: an empty candidate set leaves
// the next step unassigned without error.
func (e *Engine) CompleteStep(ctx context.Context, stepID uint64) (*types.CompletionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	step, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockWorkflow(step.WorkflowID)
	defer unlock()

	// Re-read under the lock; a racing completion may have beaten us here.
	step, err = e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status == types.StatusCompleted {
		return nil, fmt.Errorf("%w: id=%d", ErrStepAlreadyCompleted, stepID)
	}

	now := e.now()
	step.Status = types.StatusCompleted
	step.CompletedAt = now.UnixMilli()
	step.UpdatedAt = now.UnixMilli()

	if err := e.storage.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to save step: %w", err)
	}

	wf, err := e.getWorkflow(ctx, step.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: step=%d workflow=%d", ErrWorkflowMissing, step.ID, step.WorkflowID)
		}
		return nil, err
	}

	result := &types.CompletionResult{Completed: step}
	if err := e.advance(ctx, wf, step, result); err != nil {
		return nil, err
	}

	e.refreshPriorities(ctx, wf)
	return result, nil
}

// advance runs the post-completion pipeline: manager notification, next-step
// lookup by exact sequence successor, best-effort auto-assignment, terminal
// detection. Callers hold the workflow lock.
func (e *Engine) advance(ctx context.Context, wf types.Workflow, completed types.WorkStep, result *types.CompletionResult) error {
	e.publish(ctx, stepCompletedNotification(wf, completed))

	steps, err := e.storage.ListSteps(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}

	next := findNext(steps, completed.SequenceNumber)
	if next == nil {
		result.WorkflowCompleted = true
		e.publish(ctx, workflowCompletedNotification(wf))
		return nil
	}

	if len(next.AssignedTo) > 0 {
		// Already assigned; the manager was notified above, nothing more
		// to do.
		return nil
	}

	assigned := e.autoAssign(ctx, *next)
	if assigned != nil {
		result.NextAssigned = assigned
	}
	return nil
}

// findNext returns the step whose sequence number is exactly one past the
// given one. A gap means no next step, even if later sequence numbers exist.
func findNext(steps []types.WorkStep, sequenceNumber int) *types.WorkStep {
	for i := range steps {
		if steps[i].SequenceNumber == sequenceNumber+1 {
			return &steps[i]
		}
	}
	return nil
}

// autoAssign picks the first available actor holding the step's required role
// and assigns the step to them. Every failure mode is logged and swallowed:
// a workflow does not halt for lack of an available actor.
func (e *Engine) autoAssign(ctx context.Context, step types.WorkStep) *types.WorkStep {
	candidates, err := e.storage.FindActorsByRole(ctx, step.RequiredRole)
	if err != nil {
		e.logger.Warn("actor directory query failed, leaving step unassigned",
			"step", step.ID, "role", step.RequiredRole, "error", err)
		return nil
	}

	eligible, err := rules.FilterEligible(e.evaluator, e.eligibilityRule, candidates, step)
	if err != nil {
		e.logger.Warn("eligibility rule failed, leaving step unassigned",
			"step", step.ID, "error", err)
		return nil
	}

	if len(eligible) == 0 {
		e.logger.Info("no actor available for auto-assignment",
			"step", step.ID, "role", step.RequiredRole)
		return nil
	}

	// First-available policy: the directory's ordering decides.
	actor := eligible[0]
	step.AssignedTo = []uint64{actor.ID}
	step.UpdatedAt = e.now().UnixMilli()

	if err := e.storage.SaveStep(ctx, step); err != nil {
		e.logger.Warn("failed to persist auto-assignment",
			"step", step.ID, "actor", actor.ID, "error", err)
		return nil
	}

	e.publish(ctx, stepAssignedNotification(actor.ID, step))
	return &step
}

// UpdateStep applies a partial update. Newly added assignees are notified;
// a status transition into Completed runs the same completion pipeline as
// CompleteStep; a manual priority change informs the manager and the assigned
// actors.
func (e *Engine) UpdateStep(ctx context.Context, stepID uint64, patch types.StepPatch) (*types.WorkStep, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	step, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockWorkflow(step.WorkflowID)
	defer unlock()

	step, err = e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	wasCompleted := step.Status == types.StatusCompleted
	oldAssignees := step.AssignedTo

	now := e.now()
	if patch.Title != nil {
		step.Title = *patch.Title
	}
	if patch.Description != nil {
		step.Description = *patch.Description
	}
	if patch.Duration != nil {
		step.Duration = *patch.Duration
	}
	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		step.AssignedTo = *patch.AssignedTo
	}
	if patch.ManualPriority != nil {
		step.ManualPriority = *patch.ManualPriority
	}

	completedNow := !wasCompleted && step.Status == types.StatusCompleted
	if completedNow {
		step.CompletedAt = now.UnixMilli()
	}
	step.UpdatedAt = now.UnixMilli()

	if err := e.storage.SaveStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to save step: %w", err)
	}

	wf, err := e.getWorkflow(ctx, step.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: step=%d workflow=%d", ErrWorkflowMissing, step.ID, step.WorkflowID)
		}
		return nil, err
	}

	for _, actorID := range addedAssignees(oldAssignees, step.AssignedTo) {
		e.publish(ctx, stepAssignedNotification(actorID, step))
	}

	if completedNow {
		// Generic patch and dedicated completion converge on identical
		// notification and advancement behavior.
		result := &types.CompletionResult{Completed: step}
		if err := e.advance(ctx, wf, step, result); err != nil {
			return nil, err
		}
	}

	if patch.ManualPriority != nil {
		e.publish(ctx, priorityChangedNotification(wf.ManagerID, wf, step, *patch.ManualPriority))
		for _, actorID := range step.AssignedTo {
			e.publish(ctx, priorityChangedNotification(actorID, wf, step, *patch.ManualPriority))
		}
	}

	e.refreshPriorities(ctx, wf)
	return &step, nil
}

func validatePatch(patch types.StepPatch) error {
	if patch.Title != nil && *patch.Title == "" {
		return fmt.Errorf("%w: step title cannot be empty", ErrValidation)
	}
	if patch.Duration != nil && *patch.Duration <= 0 {
		return fmt.Errorf("%w: duration must be a positive number of hours, got %d", ErrValidation, *patch.Duration)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
	}
	if patch.ManualPriority != nil && !patch.ManualPriority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.ManualPriority)
	}
	return nil
}

// addedAssignees returns the IDs present in updated but not in previous.
func addedAssignees(previous, updated []uint64) []uint64 {
	known := make(map[uint64]bool, len(previous))
	for _, id := range previous {
		known[id] = true
	}
	var added []uint64
	for _, id := range updated {
		if !known[id] {
			added = append(added, id)
		}
	}
	return added
}

// AssignStep manually assigns a step to an actor, gated on the caller's
// authorization. The assignee is notified through the UpdateStep delta.
func (e *Engine) AssignStep(ctx context.Context, caller types.Actor, stepID, assigneeID uint64) (*types.WorkStep, error) {
	step, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if decision := e.gate.CanAssignStep(caller, step, assigneeID); !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, decision.Reason)
	}

	if _, err := e.storage.GetActor(ctx, assigneeID); err != nil {
		if errors.Is(err, storage.ErrActorNotFound) || errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrActorNotFound, assigneeID)
		}
		return nil, fmt.Errorf("failed to get actor: %w", err)
	}

	assignees := step.AssignedTo
	if !step.IsAssignedTo(assigneeID) {
		assignees = append(assignees, assigneeID)
	}
	return e.UpdateStep(ctx, stepID, types.StepPatch{AssignedTo: &assignees})
}

// DeleteStep removes a step.
func (e *Engine) DeleteStep(ctx context.Context, stepID uint64) error {
	step, err := e.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	unlock := e.lockWorkflow(step.WorkflowID)
	defer unlock()

	if err := e.storage.DeleteStep(ctx, stepID); err != nil {
		if errors.Is(err, storage.ErrStepNotFound) || errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: id=%d", ErrStepNotFound, stepID)
		}
		return fmt.Errorf("failed to delete step: %w", err)
	}
	return nil
}

// Progress summarizes a workflow: step counts by status, completion
// percentage, remaining duration and an on-track estimate against the
// deadline.
func (e *Engine) Progress(ctx context.Context, workflowID uint64) (*types.ProgressSnapshot, error) {
	wf, err := e.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	steps, err := e.storage.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	snapshot := &types.ProgressSnapshot{
		WorkflowID: workflowID,
		TotalSteps: len(steps),
		Deadline:   wf.Deadline,
	}

	for _, step := range steps {
		switch step.Status {
		case types.StatusCompleted:
			snapshot.CompletedSteps++
		case types.StatusPending:
			snapshot.PendingSteps++
		case types.StatusInProgress:
			snapshot.InProgressSteps++
		case types.StatusBlocked:
			snapshot.BlockedSteps++
		}
	}

	if snapshot.TotalSteps > 0 {
		snapshot.CompletionPercentage = float64(snapshot.CompletedSteps) / float64(snapshot.TotalSteps) * 100
	}

	snapshot.RemainingDuration = priority.RemainingHours(steps)

	now := e.now()
	if snapshot.RemainingDuration > 0 {
		snapshot.EstimatedCompletion = now.Add(time.Duration(snapshot.RemainingDuration) * time.Hour).UnixMilli()
	}

	if wf.Deadline == 0 {
		snapshot.OnTrack = true
	} else {
		snapshot.OnTrack = snapshot.EstimatedCompletion == 0 || snapshot.EstimatedCompletion <= wf.Deadline
	}

	return snapshot, nil
}

// PrioritizedSteps returns the workflow's steps with freshly computed tiers,
// ordered by effective priority (manual overrides win) and then sequence
// number.
func (e *Engine) PrioritizedSteps(ctx context.Context, workflowID uint64) ([]types.WorkStep, error) {
	wf, err := e.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	steps, err := e.storage.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	tier := priority.ForStep(wf, steps, e.now())
	for i := range steps {
		steps[i].Priority = tier
	}

	return priority.Sort(steps), nil
}

// AccessibleSteps returns the workflow's prioritized steps the actor may
// view. A nil actor gets an empty list.
func (e *Engine) AccessibleSteps(ctx context.Context, actor *types.Actor, workflowID uint64) ([]types.WorkStep, error) {
	steps, err := e.PrioritizedSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.gate.FilterAccessibleSteps(actor, steps), nil
}

// GetStep retrieves a work step by ID.
func (e *Engine) GetStep(ctx context.Context, stepID uint64) (*types.WorkStep, error) {
	step, err := e.getStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetWorkflow retrieves a workflow by ID.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID uint64) (*types.Workflow, error) {
	wf, err := e.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// refreshPriorities recomputes the workflow tier and stamps it on every open
// step whose stored tier drifted. Reactive recompute is best-effort; it never
// fails the operation that triggered it.
func (e *Engine) refreshPriorities(ctx context.Context, wf types.Workflow) {
	steps, err := e.storage.ListSteps(ctx, wf.ID)
	if err != nil {
		e.logger.Warn("priority refresh skipped", "workflow", wf.ID, "error", err)
		return
	}

	tier := priority.ForStep(wf, steps, e.now())
	for _, step := range steps {
		if step.Status == types.StatusCompleted || step.Priority == tier {
			continue
		}
		step.Priority = tier
		if err := e.storage.SaveStep(ctx, step); err != nil {
			e.logger.Warn("priority refresh failed for step", "step", step.ID, "error", err)
		}
	}
}

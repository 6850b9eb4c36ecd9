package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/notify"
	"github.com/stepflow-io/stepflow/storage"
	"github.com/stepflow-io/stepflow/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

var engineTestNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

// newTestEngine wires an engine with in-memory storage, a Collector and a
// fixed clock.
func newTestEngine(t *testing.T, options ...Option) (*Engine, *notify.Collector) {
	t.Helper()
	collector := notify.NewCollector()
	options = append([]Option{WithClock(func() time.Time { return engineTestNow })}, options...)
	engine, err := NewEngine(&MockGenerator{}, storage.NewMemoryStorage(), collector, options...)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return engine, collector
}

// seedWorkflow builds a manager, a team member named in order, and a workflow
// with three sequential steps requiring TEAM_MEMBER.
type seeded struct {
	manager  *types.Actor
	members  []*types.Actor
	workflow *types.Workflow
	steps    []*types.WorkStep
}

func seedWorkflow(t *testing.T, engine *Engine, memberNames ...string) seeded {
	t.Helper()
	ctx := context.Background()

	manager, err := engine.RegisterActor(ctx, "Morgan", types.RoleWorkflowManager)
	if err != nil {
		t.Fatalf("register manager: %v", err)
	}

	var members []*types.Actor
	for _, name := range memberNames {
		actor, err := engine.RegisterActor(ctx, name, types.RoleTeamMember)
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		members = append(members, actor)
	}

	deadline := engineTestNow.Add(40 * time.Hour)
	wf, err := engine.CreateWorkflow(ctx, "Release", "ship it", manager.ID, &deadline)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	var steps []*types.WorkStep
	for i, duration := range []int{5, 3, 2} {
		step, err := engine.CreateStep(ctx, CreateStepRequest{
			WorkflowID:     wf.ID,
			Title:          []string{"Design", "Build", "Verify"}[i],
			Duration:       duration,
			SequenceNumber: i + 1,
			RequiredRole:   types.RoleTeamMember,
		})
		if err != nil {
			t.Fatalf("create step %d: %v", i+1, err)
		}
		steps = append(steps, step)
	}

	return seeded{manager: manager, members: members, workflow: wf, steps: steps}
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(&MockGenerator{}, nil, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if engine == nil {
		t.Fatal("expected non-nil Engine")
	}

	_, err = NewEngine(nil, storage.NewMemoryStorage(), notify.NewCollector())
	if err == nil || err.Error() != "generator is required" {
		t.Errorf("expected error 'generator is required', got %v", err)
	}
}

func TestCreateWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deadline := engineTestNow.Add(48 * time.Hour)
	wf, err := engine.CreateWorkflow(ctx, "Release", "", 10, &deadline)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if wf.Deadline != deadline.UnixMilli() {
		t.Errorf("expected deadline %d, got %d", deadline.UnixMilli(), wf.Deadline)
	}

	_, err = engine.CreateWorkflow(ctx, "", "", 10, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty name, got %v", err)
	}

	noDeadline, err := engine.CreateWorkflow(ctx, "Open Ended", "", 10, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if noDeadline.Deadline != 0 {
		t.Errorf("expected zero deadline, got %d", noDeadline.Deadline)
	}
}

func TestCreateStep_Validation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, "Release", "", 10, nil)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	cases := []struct {
		name string
		req  CreateStepRequest
	}{
		{"empty title", CreateStepRequest{WorkflowID: wf.ID, Duration: 4, SequenceNumber: 1, RequiredRole: types.RoleTeamMember}},
		{"zero duration", CreateStepRequest{WorkflowID: wf.ID, Title: "Design", Duration: 0, SequenceNumber: 1, RequiredRole: types.RoleTeamMember}},
		{"negative duration", CreateStepRequest{WorkflowID: wf.ID, Title: "Design", Duration: -2, SequenceNumber: 1, RequiredRole: types.RoleTeamMember}},
		{"sequence below one", CreateStepRequest{WorkflowID: wf.ID, Title: "Design", Duration: 4, SequenceNumber: 0, RequiredRole: types.RoleTeamMember}},
		{"unknown role", CreateStepRequest{WorkflowID: wf.ID, Title: "Design", Duration: 4, SequenceNumber: 1, RequiredRole: "INTERN"}},
	}
	for _, tc := range cases {
		if _, err := engine.CreateStep(ctx, tc.req); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	_, err = engine.CreateStep(ctx, CreateStepRequest{WorkflowID: 999, Title: "Design", Duration: 4, SequenceNumber: 1, RequiredRole: types.RoleTeamMember})
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}

	if _, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "Design", Duration: 4, SequenceNumber: 1, RequiredRole: types.RoleTeamMember}); err != nil {
		t.Fatalf("create step: %v", err)
	}
	_, err = engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "Duplicate", Duration: 4, SequenceNumber: 1, RequiredRole: types.RoleTeamMember})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate sequence, got %v", err)
	}
}

func TestRegisterActor(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	actor, err := engine.RegisterActor(ctx, "Alice", types.RoleTeamMember)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if actor.ID == 0 {
		t.Error("expected a generated ID")
	}

	if _, err := engine.RegisterActor(ctx, "", types.RoleTeamMember); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty name, got %v", err)
	}
	if _, err := engine.RegisterActor(ctx, "Bob", "INTERN"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown role, got %v", err)
	}
}

// TestCompleteStep_AdvancesAndAssigns covers the happy path: the manager is
// told about the completion, the sequence successor is assigned to the first
// available actor with the required role, and that actor is notified. Exactly
// two notifications leave the engine.
func TestCompleteStep_AdvancesAndAssigns(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice", "Bob")

	result, err := engine.CompleteStep(ctx, s.steps[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result.Completed.Status != types.StatusCompleted {
		t.Errorf("expected completed status, got %s", result.Completed.Status)
	}
	if result.Completed.CompletedAt != engineTestNow.UnixMilli() {
		t.Errorf("expected CompletedAt stamp, got %d", result.Completed.CompletedAt)
	}
	if result.WorkflowCompleted {
		t.Error("workflow should not be complete with open steps")
	}

	if result.NextAssigned == nil {
		t.Fatal("expected next step to be auto-assigned")
	}
	if result.NextAssigned.ID != s.steps[1].ID {
		t.Errorf("expected step %d assigned, got %d", s.steps[1].ID, result.NextAssigned.ID)
	}
	// First-available policy: Alice registered before Bob.
	if !result.NextAssigned.IsAssignedTo(s.members[0].ID) {
		t.Errorf("expected assignment to %d, got %v", s.members[0].ID, result.NextAssigned.AssignedTo)
	}

	all := collector.All()
	if len(all) != 2 {
		t.Fatalf("expected exactly 2 notifications, got %d", len(all))
	}
	completed := collector.ByKind(types.KindStepCompleted)
	if len(completed) != 1 || completed[0].RecipientID != s.manager.ID {
		t.Errorf("expected step_completed for manager %d, got %v", s.manager.ID, completed)
	}
	assigned := collector.ByKind(types.KindStepAssigned)
	if len(assigned) != 1 || assigned[0].RecipientID != s.members[0].ID {
		t.Errorf("expected step_assigned for actor %d, got %v", s.members[0].ID, assigned)
	}
}

// TestCompleteStep_AlreadyCompleted: a second completion of the same step is
// rejected and produces no new assignment and no new notification.
func TestCompleteStep_AlreadyCompleted(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice")

	if _, err := engine.CompleteStep(ctx, s.steps[0].ID); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	before := len(collector.All())

	_, err := engine.CompleteStep(ctx, s.steps[0].ID)
	if !errors.Is(err, ErrStepAlreadyCompleted) {
		t.Fatalf("expected ErrStepAlreadyCompleted, got %v", err)
	}

	if got := len(collector.All()); got != before {
		t.Errorf("expected no new notifications, had %d now %d", before, got)
	}
	next, err := engine.GetStep(ctx, s.steps[1].ID)
	if err != nil {
		t.Fatalf("get next step: %v", err)
	}
	if len(next.AssignedTo) != 1 {
		t.Errorf("expected assignment untouched, got %v", next.AssignedTo)
	}
}

// TestCompleteStep_SequenceGap: advancement looks for sequence+1 exactly. A
// gap means the workflow reads as complete even when later steps exist.
func TestCompleteStep_SequenceGap(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()

	manager, _ := engine.RegisterActor(ctx, "Morgan", types.RoleWorkflowManager)
	wf, err := engine.CreateWorkflow(ctx, "Gapped", "", manager.ID, nil)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	first, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "One", Duration: 1, SequenceNumber: 1, RequiredRole: types.RoleTeamMember})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if _, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "Three", Duration: 1, SequenceNumber: 3, RequiredRole: types.RoleTeamMember}); err != nil {
		t.Fatalf("create step: %v", err)
	}

	result, err := engine.CompleteStep(ctx, first.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.WorkflowCompleted {
		t.Error("expected workflow completed across the sequence gap")
	}
	if result.NextAssigned != nil {
		t.Errorf("expected no assignment, got %v", result.NextAssigned)
	}
	if got := collector.ByKind(types.KindWorkflowCompleted); len(got) != 1 {
		t.Errorf("expected workflow_completed notification, got %d", len(got))
	}
}

// TestCompleteStep_LastStep completes the whole chain and checks the terminal
// notification.
func TestCompleteStep_LastStep(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice")

	for _, step := range s.steps {
		result, err := engine.CompleteStep(ctx, step.ID)
		if err != nil {
			t.Fatalf("complete step %d: %v", step.ID, err)
		}
		if step.ID == s.steps[2].ID && !result.WorkflowCompleted {
			t.Error("expected workflow completed on the last step")
		}
	}

	terminal := collector.ByKind(types.KindWorkflowCompleted)
	if len(terminal) != 1 {
		t.Fatalf("expected 1 workflow_completed, got %d", len(terminal))
	}
	if terminal[0].RecipientID != s.manager.ID {
		t.Errorf("expected manager %d as recipient, got %d", s.manager.ID, terminal[0].RecipientID)
	}
}

// TestCompleteStep_NoCandidates: an empty candidate set leaves the next step
// unassigned without failing the completion.
func TestCompleteStep_NoCandidates(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine) // no team members registered

	result, err := engine.CompleteStep(ctx, s.steps[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.NextAssigned != nil {
		t.Errorf("expected no assignment, got %v", result.NextAssigned)
	}

	next, err := engine.GetStep(ctx, s.steps[1].ID)
	if err != nil {
		t.Fatalf("get next step: %v", err)
	}
	if len(next.AssignedTo) != 0 {
		t.Errorf("expected unassigned next step, got %v", next.AssignedTo)
	}
	if got := collector.ByKind(types.KindStepAssigned); len(got) != 0 {
		t.Errorf("expected no step_assigned notification, got %d", len(got))
	}
}

// TestCompleteStep_NextAlreadyAssigned: a pre-assigned successor is left
// alone.
func TestCompleteStep_NextAlreadyAssigned(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()

	manager, _ := engine.RegisterActor(ctx, "Morgan", types.RoleWorkflowManager)
	alice, _ := engine.RegisterActor(ctx, "Alice", types.RoleTeamMember)
	bob, _ := engine.RegisterActor(ctx, "Bob", types.RoleTeamMember)

	wf, err := engine.CreateWorkflow(ctx, "Release", "", manager.ID, nil)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	first, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "One", Duration: 1, SequenceNumber: 1, RequiredRole: types.RoleTeamMember})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	second, err := engine.CreateStep(ctx, CreateStepRequest{
		WorkflowID: wf.ID, Title: "Two", Duration: 1, SequenceNumber: 2,
		RequiredRole: types.RoleTeamMember, AssignedTo: []uint64{bob.ID},
	})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}

	result, err := engine.CompleteStep(ctx, first.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.NextAssigned != nil {
		t.Errorf("expected no auto-assignment, got %v", result.NextAssigned)
	}

	got, err := engine.GetStep(ctx, second.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if !got.IsAssignedTo(bob.ID) || got.IsAssignedTo(alice.ID) {
		t.Errorf("expected Bob to keep the step, got %v", got.AssignedTo)
	}
	if assigned := collector.ByKind(types.KindStepAssigned); len(assigned) != 0 {
		t.Errorf("expected no step_assigned notification, got %d", len(assigned))
	}
}

func TestCompleteStep_MissingStep(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.CompleteStep(context.Background(), 9999)
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
}

// TestCompleteStep_EligibilityRule narrows the candidate set with an
// expression before the first-available pick.
func TestCompleteStep_EligibilityRule(t *testing.T) {
	engine, _ := newTestEngine(t, WithEligibilityRule(`actor.name == "Bob"`))
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice", "Bob")

	result, err := engine.CompleteStep(ctx, s.steps[0].ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.NextAssigned == nil {
		t.Fatal("expected an assignment")
	}
	if !result.NextAssigned.IsAssignedTo(s.members[1].ID) {
		t.Errorf("expected rule to select Bob (%d), got %v", s.members[1].ID, result.NextAssigned.AssignedTo)
	}
}

func TestUpdateStep(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice")

	t.Run("patch fields", func(t *testing.T) {
		title := "Design v2"
		duration := 6
		updated, err := engine.UpdateStep(ctx, s.steps[0].ID, types.StepPatch{Title: &title, Duration: &duration})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if updated.Title != "Design v2" || updated.Duration != 6 {
			t.Errorf("patch not applied: %+v", updated)
		}
	})

	t.Run("added assignees are notified", func(t *testing.T) {
		collector.Clear()
		assignees := []uint64{s.members[0].ID}
		if _, err := engine.UpdateStep(ctx, s.steps[0].ID, types.StepPatch{AssignedTo: &assignees}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		assigned := collector.ByKind(types.KindStepAssigned)
		if len(assigned) != 1 || assigned[0].RecipientID != s.members[0].ID {
			t.Fatalf("expected step_assigned for %d, got %v", s.members[0].ID, assigned)
		}

		// Re-applying the same set notifies nobody.
		collector.Clear()
		if _, err := engine.UpdateStep(ctx, s.steps[0].ID, types.StepPatch{AssignedTo: &assignees}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := collector.ByKind(types.KindStepAssigned); len(got) != 0 {
			t.Errorf("expected no re-notification, got %d", len(got))
		}
	})

	t.Run("status completion runs the completion pipeline", func(t *testing.T) {
		collector.Clear()
		status := types.StatusCompleted
		updated, err := engine.UpdateStep(ctx, s.steps[0].ID, types.StepPatch{Status: &status})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if updated.CompletedAt == 0 {
			t.Error("expected CompletedAt stamp")
		}
		if len(collector.ByKind(types.KindStepCompleted)) != 1 {
			t.Error("expected step_completed notification")
		}
		if len(collector.ByKind(types.KindStepAssigned)) != 1 {
			t.Error("expected successor auto-assignment notification")
		}
	})

	t.Run("manual priority notifies manager and assignees", func(t *testing.T) {
		collector.Clear()
		p := types.PriorityShortTerm
		updated, err := engine.UpdateStep(ctx, s.steps[1].ID, types.StepPatch{ManualPriority: &p})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if updated.EffectivePriority() != types.PriorityShortTerm {
			t.Errorf("expected manual override to win, got %s", updated.EffectivePriority())
		}

		changed := collector.ByKind(types.KindPriorityChanged)
		recipients := make(map[uint64]bool)
		for _, n := range changed {
			recipients[n.RecipientID] = true
		}
		if !recipients[s.manager.ID] {
			t.Error("expected manager to be notified of the priority change")
		}
		if !recipients[s.members[0].ID] {
			t.Error("expected assignee to be notified of the priority change")
		}
	})

	t.Run("validation", func(t *testing.T) {
		empty := ""
		if _, err := engine.UpdateStep(ctx, s.steps[1].ID, types.StepPatch{Title: &empty}); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for empty title, got %v", err)
		}
		zero := 0
		if _, err := engine.UpdateStep(ctx, s.steps[1].ID, types.StepPatch{Duration: &zero}); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for zero duration, got %v", err)
		}
		bad := types.StepStatus("PAUSED")
		if _, err := engine.UpdateStep(ctx, s.steps[1].ID, types.StepPatch{Status: &bad}); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for unknown status, got %v", err)
		}
		badP := types.Priority("URGENT")
		if _, err := engine.UpdateStep(ctx, s.steps[1].ID, types.StepPatch{ManualPriority: &badP}); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation for unknown priority, got %v", err)
		}
	})

	t.Run("missing step", func(t *testing.T) {
		if _, err := engine.UpdateStep(ctx, 9999, types.StepPatch{}); !errors.Is(err, ErrStepNotFound) {
			t.Errorf("expected ErrStepNotFound, got %v", err)
		}
	})
}

func TestAssignStep(t *testing.T) {
	engine, collector := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice", "Bob")

	t.Run("team member cannot assign", func(t *testing.T) {
		_, err := engine.AssignStep(ctx, *s.members[0], s.steps[0].ID, s.members[1].ID)
		if !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("expected ErrNotAuthorized, got %v", err)
		}
	})

	t.Run("manager assigns and assignee is notified", func(t *testing.T) {
		collector.Clear()
		updated, err := engine.AssignStep(ctx, *s.manager, s.steps[0].ID, s.members[1].ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !updated.IsAssignedTo(s.members[1].ID) {
			t.Errorf("expected assignment to %d, got %v", s.members[1].ID, updated.AssignedTo)
		}
		assigned := collector.ByKind(types.KindStepAssigned)
		if len(assigned) != 1 || assigned[0].RecipientID != s.members[1].ID {
			t.Errorf("expected step_assigned for %d, got %v", s.members[1].ID, assigned)
		}
	})

	t.Run("unknown assignee", func(t *testing.T) {
		_, err := engine.AssignStep(ctx, *s.manager, s.steps[0].ID, 9999)
		if !errors.Is(err, ErrActorNotFound) {
			t.Errorf("expected ErrActorNotFound, got %v", err)
		}
	})

	t.Run("missing step", func(t *testing.T) {
		_, err := engine.AssignStep(ctx, *s.manager, 9999, s.members[0].ID)
		if !errors.Is(err, ErrStepNotFound) {
			t.Errorf("expected ErrStepNotFound, got %v", err)
		}
	})
}

func TestDeleteStep(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine)

	if err := engine.DeleteStep(ctx, s.steps[1].ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := engine.GetStep(ctx, s.steps[1].ID); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound after delete, got %v", err)
	}
	if err := engine.DeleteStep(ctx, s.steps[1].ID); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound on second delete, got %v", err)
	}
}

func TestProgress(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice")

	t.Run("initial", func(t *testing.T) {
		snapshot, err := engine.Progress(ctx, s.workflow.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if snapshot.TotalSteps != 3 || snapshot.PendingSteps != 3 {
			t.Errorf("unexpected counts: %+v", snapshot)
		}
		if snapshot.CompletionPercentage != 0 {
			t.Errorf("expected 0%%, got %f", snapshot.CompletionPercentage)
		}
		if snapshot.RemainingDuration != 10 {
			t.Errorf("expected 10 remaining hours, got %d", snapshot.RemainingDuration)
		}
		// 10h of work against a 40h deadline.
		if !snapshot.OnTrack {
			t.Error("expected on track")
		}
		want := engineTestNow.Add(10 * time.Hour).UnixMilli()
		if snapshot.EstimatedCompletion != want {
			t.Errorf("expected estimate %d, got %d", want, snapshot.EstimatedCompletion)
		}
	})

	t.Run("after one completion", func(t *testing.T) {
		if _, err := engine.CompleteStep(ctx, s.steps[0].ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
		snapshot, err := engine.Progress(ctx, s.workflow.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if snapshot.CompletedSteps != 1 || snapshot.PendingSteps != 2 {
			t.Errorf("unexpected counts: %+v", snapshot)
		}
		if diff := snapshot.CompletionPercentage - 100.0/3.0; diff > 0.001 || diff < -0.001 {
			t.Errorf("expected ~33.3%%, got %f", snapshot.CompletionPercentage)
		}
		if snapshot.RemainingDuration != 5 {
			t.Errorf("expected 5 remaining hours, got %d", snapshot.RemainingDuration)
		}
	})

	t.Run("empty workflow", func(t *testing.T) {
		wf, err := engine.CreateWorkflow(ctx, "Empty", "", s.manager.ID, nil)
		if err != nil {
			t.Fatalf("create workflow: %v", err)
		}
		snapshot, err := engine.Progress(ctx, wf.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if snapshot.TotalSteps != 0 || snapshot.CompletionPercentage != 0 {
			t.Errorf("expected empty zero-percent snapshot, got %+v", snapshot)
		}
		if snapshot.EstimatedCompletion != 0 {
			t.Errorf("expected no estimate, got %d", snapshot.EstimatedCompletion)
		}
		if !snapshot.OnTrack {
			t.Error("expected empty workflow on track")
		}
	})

	t.Run("missing workflow", func(t *testing.T) {
		if _, err := engine.Progress(ctx, 9999); !errors.Is(err, ErrWorkflowNotFound) {
			t.Errorf("expected ErrWorkflowNotFound, got %v", err)
		}
	})
}

func TestPrioritizedSteps(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	// 40h deadline, 10h workload: 30h slack, MID_TERM.
	s := seedWorkflow(t, engine, "Alice")

	steps, err := engine.PrioritizedSteps(ctx, s.workflow.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, step := range steps {
		if step.Priority != types.PriorityMidTerm {
			t.Errorf("step %d: expected MID_TERM, got %s", step.ID, step.Priority)
		}
	}

	// A manual SHORT_TERM override moves the last step to the front.
	p := types.PriorityShortTerm
	if _, err := engine.UpdateStep(ctx, s.steps[2].ID, types.StepPatch{ManualPriority: &p}); err != nil {
		t.Fatalf("update: %v", err)
	}

	steps, err = engine.PrioritizedSteps(ctx, s.workflow.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if steps[0].ID != s.steps[2].ID {
		t.Errorf("expected overridden step first, got %d", steps[0].ID)
	}
	if steps[1].SequenceNumber != 1 || steps[2].SequenceNumber != 2 {
		t.Errorf("expected remaining steps in sequence order, got %d then %d",
			steps[1].SequenceNumber, steps[2].SequenceNumber)
	}
}

func TestAccessibleSteps(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	s := seedWorkflow(t, engine, "Alice")

	t.Run("nil actor sees nothing", func(t *testing.T) {
		steps, err := engine.AccessibleSteps(ctx, nil, s.workflow.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(steps) != 0 {
			t.Errorf("expected empty list, got %d", len(steps))
		}
	})

	t.Run("manager sees everything", func(t *testing.T) {
		steps, err := engine.AccessibleSteps(ctx, s.manager, s.workflow.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(steps) != 3 {
			t.Errorf("expected 3 steps, got %d", len(steps))
		}
	})

	t.Run("member sees role matches", func(t *testing.T) {
		steps, err := engine.AccessibleSteps(ctx, s.members[0], s.workflow.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		// All three steps require TEAM_MEMBER.
		if len(steps) != 3 {
			t.Errorf("expected 3 steps, got %d", len(steps))
		}
	})
}

// TestPriorityRefresh_OnCompletion: completing work shrinks the remaining
// workload, which can relax the tier of the open steps.
func TestPriorityRefresh_OnCompletion(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	manager, _ := engine.RegisterActor(ctx, "Morgan", types.RoleWorkflowManager)
	// 40h deadline with 9h of work leaves 31h slack: MID_TERM. Completing the
	// 5h step leaves 36h slack: LONG_TERM.
	deadline := engineTestNow.Add(40 * time.Hour)
	wf, err := engine.CreateWorkflow(ctx, "Release", "", manager.ID, &deadline)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	first, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "One", Duration: 5, SequenceNumber: 1, RequiredRole: types.RoleTeamMember})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	second, err := engine.CreateStep(ctx, CreateStepRequest{WorkflowID: wf.ID, Title: "Two", Duration: 4, SequenceNumber: 2, RequiredRole: types.RoleTeamMember})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}
	if second.Priority != types.PriorityMidTerm {
		t.Fatalf("expected MID_TERM before completion, got %s", second.Priority)
	}

	if _, err := engine.CompleteStep(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := engine.GetStep(ctx, second.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Priority != types.PriorityLongTerm {
		t.Errorf("expected LONG_TERM after completion, got %s", got.Priority)
	}
}

package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/types"
)

// publish hands a notification to the channel. Delivery is fire-and-forget:
// failures are logged and swallowed so a completed state transition is never
// undone by a secondary failure.
func (e *Engine) publish(ctx context.Context, n types.Notification) {
	if n.RecipientID == types.SystemActorID {
		return
	}
	n.ID = uuid.New().String()
	n.CreatedAt = e.now().UnixMilli()
	if err := e.notifier.Publish(ctx, n); err != nil {
		e.logger.Warn("notification delivery failed",
			"kind", n.Kind, "recipient", n.RecipientID, "error", err)
	}
}

func stepCompletedNotification(wf types.Workflow, step types.WorkStep) types.Notification {
	return types.Notification{
		Kind:        types.KindStepCompleted,
		RecipientID: wf.ManagerID,
		Title:       "Work Step Completed",
		Message:     fmt.Sprintf("Work step %q in workflow %q has been completed.", step.Title, wf.Name),
		Severity:    types.SeveritySuccess,
		WorkflowID:  wf.ID,
		StepID:      step.ID,
	}
}

func stepAssignedNotification(actorID uint64, step types.WorkStep) types.Notification {
	return types.Notification{
		Kind:        types.KindStepAssigned,
		RecipientID: actorID,
		Title:       "New Work Step Assigned",
		Message:     fmt.Sprintf("You have been assigned work step %q.", step.Title),
		Severity:    types.SeverityInfo,
		WorkflowID:  step.WorkflowID,
		StepID:      step.ID,
	}
}

func workflowCompletedNotification(wf types.Workflow) types.Notification {
	return types.Notification{
		Kind:        types.KindWorkflowCompleted,
		RecipientID: wf.ManagerID,
		Title:       "Workflow Completed",
		Message:     fmt.Sprintf("Workflow %q has been completed.", wf.Name),
		Severity:    types.SeveritySuccess,
		WorkflowID:  wf.ID,
	}
}

func priorityChangedNotification(recipientID uint64, wf types.Workflow, step types.WorkStep, p types.Priority) types.Notification {
	return types.Notification{
		Kind:        types.KindPriorityChanged,
		RecipientID: recipientID,
		Title:       "Work Step Priority Changed",
		Message:     fmt.Sprintf("Priority for %q has been manually set to %s.", step.Title, p),
		Severity:    types.SeverityInfo,
		WorkflowID:  wf.ID,
		StepID:      step.ID,
	}
}

package types

import "time"

// Priority classifies the urgency of a work step.
type Priority string

const (
	PriorityShortTerm Priority = "SHORT_TERM" // effective slack <= 8h
	PriorityMidTerm   Priority = "MID_TERM"   // effective slack <= 32h
	PriorityLongTerm  Priority = "LONG_TERM"  // effective slack > 32h or no deadline
)

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityShortTerm, PriorityMidTerm, PriorityLongTerm:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a work step.
type StepStatus string

const (
	StatusPending    StepStatus = "PENDING"
	StatusInProgress StepStatus = "IN_PROGRESS"
	StatusCompleted  StepStatus = "COMPLETED"
	StatusBlocked    StepStatus = "BLOCKED"
)

// Valid reports whether s is one of the four known states.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Role identifies what an actor is allowed to do.
type Role string

const (
	RoleTeamMember      Role = "TEAM_MEMBER"
	RoleWorkflowManager Role = "WORKFLOW_MANAGER"
	RoleAdmin           Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTeamMember, RoleWorkflowManager, RoleAdmin:
		return true
	}
	return false
}

// SystemActorID marks a non-human owner. Notifications addressed to it are
// skipped.
const SystemActorID uint64 = 0

// WorkStep is a single unit of work inside a sequential workflow.
type WorkStep struct {
	ID             uint64     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Duration       int        `json:"duration"` // hours, positive
	Status         StepStatus `json:"status"`
	Priority       Priority   `json:"priority"` // last computed tier
	ManualPriority Priority   `json:"manual_priority,omitempty"`
	WorkflowID     uint64     `json:"workflow_id"`
	SequenceNumber int        `json:"sequence_number"` // 1-based, unique per workflow
	RequiredRole   Role       `json:"required_role"`
	AssignedTo     []uint64   `json:"assigned_to,omitempty"`
	CompletedAt    int64      `json:"completed_at,omitempty"` // unix milli, 0 when open
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// EffectivePriority returns the manual override when set, otherwise the
// computed tier.
func (s WorkStep) EffectivePriority() Priority {
	if s.ManualPriority != "" {
		return s.ManualPriority
	}
	return s.Priority
}

// IsAssignedTo reports whether the actor appears in the step's assignee set.
func (s WorkStep) IsAssignedTo(actorID uint64) bool {
	for _, id := range s.AssignedTo {
		if id == actorID {
			return true
		}
	}
	return false
}

// Workflow is an ordered collection of work steps sharing one manager and
// deadline. Steps are stored separately and linked by WorkflowID; the deadline
// is fixed at creation.
type Workflow struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ManagerID   uint64 `json:"manager_id"`
	TenantID    uint64 `json:"tenant_id,omitempty"` // carried, not enforced
	Deadline    int64  `json:"deadline,omitempty"`  // unix milli, 0 when absent
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// DeadlineTime returns the deadline as a time.Time, or false when none is set.
func (w Workflow) DeadlineTime() (time.Time, bool) {
	if w.Deadline == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(w.Deadline), true
}

// Actor is a user capable of being assigned work.
type Actor struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	TenantID uint64 `json:"tenant_id,omitempty"`
}

// Notification kinds produced by the engine.
const (
	KindStepCompleted     = "step_completed"
	KindStepAssigned      = "step_assigned"
	KindWorkflowCompleted = "workflow_completed"
	KindPriorityChanged   = "priority_changed"
)

// Severity levels for notifications.
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeveritySuccess = "SUCCESS"
)

// Notification is the artifact handed to the notification channel. The engine
// produces them; delivery belongs to the channel.
type Notification struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	RecipientID uint64 `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	Read        bool   `json:"read"`
	CreatedAt   int64  `json:"created_at"`
	WorkflowID  uint64 `json:"workflow_id,omitempty"`
	StepID      uint64 `json:"step_id,omitempty"`
}

// ProgressSnapshot summarizes a workflow for deadline tracking.
type ProgressSnapshot struct {
	WorkflowID           uint64  `json:"workflow_id"`
	TotalSteps           int     `json:"total_steps"`
	CompletedSteps       int     `json:"completed_steps"`
	PendingSteps         int     `json:"pending_steps"`
	InProgressSteps      int     `json:"in_progress_steps"`
	BlockedSteps         int     `json:"blocked_steps"`
	CompletionPercentage float64 `json:"completion_percentage"`
	RemainingDuration    int     `json:"remaining_duration"`             // hours
	EstimatedCompletion  int64   `json:"estimated_completion,omitempty"` // unix milli, 0 when nothing remains
	Deadline             int64   `json:"deadline,omitempty"`
	OnTrack              bool    `json:"on_track"`
}

// CompletionResult reports what CompleteStep did.
type CompletionResult struct {
	Completed         WorkStep  `json:"completed"`
	NextAssigned      *WorkStep `json:"next_assigned,omitempty"` // next step, only when auto-assignment succeeded
	WorkflowCompleted bool      `json:"workflow_completed"`
}

// StepPatch is a partial update for a work step. Nil fields are left
// untouched.
type StepPatch struct {
	Title          *string     `json:"title,omitempty"`
	Description    *string     `json:"description,omitempty"`
	Duration       *int        `json:"duration,omitempty"`
	Status         *StepStatus `json:"status,omitempty"`
	AssignedTo     *[]uint64   `json:"assigned_to,omitempty"`
	ManualPriority *Priority   `json:"manual_priority,omitempty"`
}

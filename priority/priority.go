// Package priority classifies work steps into urgency tiers from a workflow
// deadline and the workload still open. All functions are pure and cheap
// enough to rerun against every step on every state change.
package priority

import (
	"sort"
	"time"

	"github.com/stepflow-io/stepflow/types"
)

// Tier boundaries in hours of effective slack. The boundary itself belongs to
// the more urgent tier.
const (
	ShortTermBoundary = 8
	MidTermBoundary   = 32
)

// DeadlineApproachingWindow is the lookahead used by DeadlineApproaching.
const DeadlineApproachingWindow = 24 * time.Hour

// Compute returns the urgency tier for the given deadline and remaining
// workload. A nil deadline means no time pressure is knowable and yields
// LongTerm. It never fails; invalid inputs degrade to LongTerm.
func Compute(deadline *time.Time, remainingWorkloadHours int, now time.Time) types.Priority {
	if deadline == nil {
		return types.PriorityLongTerm
	}

	hoursUntilDeadline := deadline.Sub(now).Hours()
	effective := hoursUntilDeadline - float64(remainingWorkloadHours)

	switch {
	case effective <= ShortTermBoundary:
		return types.PriorityShortTerm
	case effective <= MidTermBoundary:
		return types.PriorityMidTerm
	default:
		return types.PriorityLongTerm
	}
}

// RemainingHours sums the duration of every step that is not completed.
// The workload is workflow-wide: an open step counts no matter where it sits
// in the sequence.
func RemainingHours(steps []types.WorkStep) int {
	total := 0
	for _, step := range steps {
		if step.Status != types.StatusCompleted {
			total += step.Duration
		}
	}
	return total
}

// ForStep computes the tier a step of the given workflow carries right now.
// Every open step of one workflow shares the same tier because the workload
// is workflow-wide.
func ForStep(wf types.Workflow, steps []types.WorkStep, now time.Time) types.Priority {
	deadline, ok := wf.DeadlineTime()
	if !ok {
		return types.PriorityLongTerm
	}
	return Compute(&deadline, RemainingHours(steps), now)
}

// HoursUntilDeadline returns the whole hours left before the workflow
// deadline, negative when overdue. The second return is false when the
// workflow has no deadline.
func HoursUntilDeadline(wf types.Workflow, now time.Time) (int, bool) {
	deadline, ok := wf.DeadlineTime()
	if !ok {
		return 0, false
	}
	return int(deadline.Sub(now).Round(time.Hour).Hours()), true
}

// IsUrgent reports whether the effective priority of the step is ShortTerm.
func IsUrgent(step types.WorkStep) bool {
	return step.EffectivePriority() == types.PriorityShortTerm
}

// DeadlineApproaching reports whether the workflow deadline lies within the
// next 24 hours. Overdue workflows are not "approaching" anymore.
func DeadlineApproaching(wf types.Workflow, now time.Time) bool {
	deadline, ok := wf.DeadlineTime()
	if !ok {
		return false
	}
	until := deadline.Sub(now)
	return until > 0 && until <= DeadlineApproachingWindow
}

// rank orders tiers most urgent first. Unknown values sort last, matching
// LongTerm.
func rank(p types.Priority) int {
	switch p {
	case types.PriorityShortTerm:
		return 0
	case types.PriorityMidTerm:
		return 1
	default:
		return 2
	}
}

// Sort orders steps by effective priority tier (ShortTerm first), then by
// sequence number ascending. Manual overrides win over computed tiers. The
// input slice is not modified.
func Sort(steps []types.WorkStep) []types.WorkStep {
	sorted := make([]types.WorkStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].EffectivePriority()), rank(sorted[j].EffectivePriority())
		if ri != rj {
			return ri < rj
		}
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})
	return sorted
}

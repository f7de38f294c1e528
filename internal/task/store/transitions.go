package store

import (
	"fmt"
	"strings"

	"github.com/taskflow/taskflow/internal/task/models"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// Decision is the outcome of a transition check.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

var allowed = Decision{Allowed: true}

// MoveCheck carries the context a transition check needs beyond the task
// itself: how many tasks already occupy the WIP-limited phases (excluding
// the moving task) and the effective workflow policy.
type MoveCheck struct {
	ReadyCount     int
	ExecutingCount int
	Policy         v1.EffectivePolicy
}

// CanMoveToPhase is the authoritative phase state machine. Every phase
// transition, whether user, agent, or automation initiated, goes through
// here before being persisted.
func CanMoveToPhase(task *models.Task, to v1.TaskPhase, check MoveCheck) Decision {
	from := task.Phase
	if !validPhase(to) {
		return deny("unknown phase %q", to)
	}
	if from == to {
		return deny("task is already in %s", to)
	}
	if task.PlanningStatus == v1.PlanningRunning {
		return deny("planning is in progress")
	}

	switch from {
	case v1.PhaseBacklog:
		switch to {
		case v1.PhaseReady:
			if countNonEmpty(task.AcceptanceCriteria) == 0 {
				return deny("at least one acceptance criterion is required")
			}
		case v1.PhaseComplete, v1.PhaseArchived:
			// allowed
		default:
			return deny("backlog tasks cannot move to %s", to)
		}
	case v1.PhaseReady:
		if to != v1.PhaseExecuting && to != v1.PhaseArchived {
			return deny("ready tasks cannot move to %s", to)
		}
	case v1.PhaseExecuting:
		if to != v1.PhaseComplete && to != v1.PhaseReady && to != v1.PhaseArchived {
			return deny("executing tasks cannot move to %s", to)
		}
	case v1.PhaseComplete:
		if to != v1.PhaseReady && to != v1.PhaseArchived {
			return deny("complete tasks cannot move to %s", to)
		}
	case v1.PhaseArchived:
		if to != v1.PhaseComplete && to != v1.PhaseBacklog {
			return deny("archived tasks can only be restored to complete or backlog")
		}
	default:
		return deny("unknown phase %q", from)
	}

	// WIP limits bound moves into ready and executing. Limit 0 means
	// unlimited.
	if to == v1.PhaseReady && check.Policy.ReadyLimit > 0 && check.ReadyCount >= check.Policy.ReadyLimit {
		return deny("WIP limit reached for ready (%d/%d)", check.ReadyCount, check.Policy.ReadyLimit)
	}
	if to == v1.PhaseExecuting && check.Policy.ExecutingLimit > 0 && check.ExecutingCount >= check.Policy.ExecutingLimit {
		return deny("WIP limit reached for executing (%d/%d)", check.ExecutingCount, check.Policy.ExecutingLimit)
	}

	return allowed
}

func validPhase(p v1.TaskPhase) bool {
	switch p {
	case v1.PhaseBacklog, v1.PhaseReady, v1.PhaseExecuting, v1.PhaseComplete, v1.PhaseArchived:
		return true
	}
	return false
}

func countNonEmpty(criteria []string) int {
	n := 0
	for _, c := range criteria {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

// phaseRank orders phases for stable list output.
func phaseRank(p v1.TaskPhase) int {
	switch p {
	case v1.PhaseBacklog:
		return 0
	case v1.PhaseReady:
		return 1
	case v1.PhaseExecuting:
		return 2
	case v1.PhaseComplete:
		return 3
	case v1.PhaseArchived:
		return 4
	}
	return 5
}

// prependOnEntry reports whether a task moving into the phase lands at
// the top of the column. Backlog and archived move-ins append instead.
func prependOnEntry(to v1.TaskPhase) bool {
	switch to {
	case v1.PhaseReady, v1.PhaseExecuting, v1.PhaseComplete:
		return true
	}
	return false
}

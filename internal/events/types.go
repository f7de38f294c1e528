// Package events provides event types and utilities for the taskflow event system.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskMoved     = "task.moved"
	TaskDeleted   = "task.deleted"
	TaskReordered = "task.reordered"
)

// Event types for workspaces
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceUpdated = "workspace.updated"
	WorkspaceDeleted = "workspace.deleted"
)

// Event types for planning runs
const (
	PlanningStarted   = "planning.started"
	PlanningCompleted = "planning.completed"
	PlanningFailed    = "planning.failed"
)

// Event types for agent sessions
const (
	SessionStarted  = "session.started"
	SessionFinished = "session.finished"
	SessionStalled  = "session.stalled"
)

// Event types for the automation queue
const (
	QueueKick    = "queue.kick"
	QueueStarted = "queue.started"
	QueueStopped = "queue.stopped"
)

// Event types for automation policy changes
const (
	AutomationUpdated = "automation.updated"
)

// BuildTaskSubject creates a task event subject scoped to a workspace
func BuildTaskSubject(eventType, workspaceID string) string {
	return eventType + "." + workspaceID
}

// BuildTaskWildcardSubject creates a wildcard subscription for a task event type across workspaces
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildQueueKickSubject creates a queue kick subject for a specific workspace
func BuildQueueKickSubject(workspaceID string) string {
	return QueueKick + "." + workspaceID
}

// BuildQueueKickWildcardSubject creates a wildcard subscription for all queue kicks
func BuildQueueKickWildcardSubject() string {
	return QueueKick + ".*"
}

// BuildPlanningSubject creates a planning event subject for a specific task
func BuildPlanningSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildPlanningWildcardSubject creates a wildcard subscription for a planning event type
func BuildPlanningWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildSessionSubject creates a session event subject for a specific session
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for a session event type
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}

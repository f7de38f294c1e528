package v1

import "time"

// TaskPhase represents the Kanban column a task occupies
type TaskPhase string

const (
	PhaseBacklog   TaskPhase = "backlog"
	PhaseReady     TaskPhase = "ready"
	PhaseExecuting TaskPhase = "executing"
	PhaseComplete  TaskPhase = "complete"
	PhaseArchived  TaskPhase = "archived"
)

// PlanningStatus represents the state of a task's planning run
type PlanningStatus string

const (
	PlanningNone      PlanningStatus = "none"
	PlanningRunning   PlanningStatus = "running"
	PlanningCompleted PlanningStatus = "completed"
	PlanningError     PlanningStatus = "error"
)

// Plan is the structured output of a planning run
type Plan struct {
	Goal        string    `json:"goal"`
	Steps       []string  `json:"steps"`
	Validation  []string  `json:"validation,omitempty"`
	Cleanup     []string  `json:"cleanup,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// ModelConfig selects the model for a planning or execution conversation
type ModelConfig struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	MaxTurns      int    `json:"maxTurns,omitempty"`
}

// Attachment describes a file attached to a task
type Attachment struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	StoredName string    `json:"storedName"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ModelUsage accumulates token usage for one model
type ModelUsage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// UsageMetrics accumulates token usage across a task's sessions
type UsageMetrics struct {
	InputTokens  int64                 `json:"inputTokens"`
	OutputTokens int64                 `json:"outputTokens"`
	CostUSD      float64               `json:"costUsd"`
	PerModel     map[string]ModelUsage `json:"perModel,omitempty"`
}

// HistoryEntry records one phase transition
type HistoryEntry struct {
	From   TaskPhase `json:"from"`
	To     TaskPhase `json:"to"`
	Actor  string    `json:"actor"` // "user", "agent", or "automation"
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// TaskSummary is the post-execution summary
type TaskSummary struct {
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Task represents a Kanban task
type Task struct {
	ID                   string          `json:"id"`
	WorkspaceID          string          `json:"workspaceId"`
	Title                string          `json:"title"`
	Description          string          `json:"description,omitempty"`
	Phase                TaskPhase       `json:"phase"`
	Order                int             `json:"order"`
	AcceptanceCriteria   []string        `json:"acceptanceCriteria,omitempty"`
	Plan                 *Plan           `json:"plan,omitempty"`
	PlanningStatus       PlanningStatus  `json:"planningStatus"`
	SessionFile          string          `json:"sessionFile,omitempty"`
	Attachments          []Attachment    `json:"attachments,omitempty"`
	PreExecutionSkills   []string        `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills  []string        `json:"postExecutionSkills,omitempty"`
	PrePlanningSkills    []string        `json:"prePlanningSkills,omitempty"`
	PlanningModelConfig  *ModelConfig    `json:"planningModelConfig,omitempty"`
	ExecutionModelConfig *ModelConfig    `json:"executionModelConfig,omitempty"`
	UsageMetrics         *UsageMetrics   `json:"usageMetrics,omitempty"`
	Summary              *TaskSummary    `json:"summary,omitempty"`
	AutomationOverride   *WorkflowPolicy `json:"automationOverride,omitempty"`
	History              []HistoryEntry  `json:"history,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// CreateTaskRequest for creating a new task (always lands in backlog)
type CreateTaskRequest struct {
	Title                string       `json:"title" binding:"required,max=500"`
	Description          string       `json:"description,omitempty"`
	AcceptanceCriteria   []string     `json:"acceptanceCriteria,omitempty"`
	PreExecutionSkills   []string     `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills  []string     `json:"postExecutionSkills,omitempty"`
	PrePlanningSkills    []string     `json:"prePlanningSkills,omitempty"`
	PlanningModelConfig  *ModelConfig `json:"planningModelConfig,omitempty"`
	ExecutionModelConfig *ModelConfig `json:"executionModelConfig,omitempty"`
}

// UpdateTaskRequest for updating an existing task. Phase changes go through
// the move endpoint, never through update.
type UpdateTaskRequest struct {
	Title                *string               `json:"title,omitempty" binding:"omitempty,max=500"`
	Description          *string               `json:"description,omitempty"`
	AcceptanceCriteria   *[]string             `json:"acceptanceCriteria,omitempty"`
	PreExecutionSkills   *[]string             `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills  *[]string             `json:"postExecutionSkills,omitempty"`
	PrePlanningSkills    *[]string             `json:"prePlanningSkills,omitempty"`
	PlanningModelConfig  *ModelConfig          `json:"planningModelConfig,omitempty"`
	ExecutionModelConfig *ModelConfig          `json:"executionModelConfig,omitempty"`
	AutomationOverride   Patch[WorkflowPolicy] `json:"automationOverride"`
}

// MoveTaskRequest for moving a task to another phase
type MoveTaskRequest struct {
	ToPhase TaskPhase `json:"toPhase" binding:"required"`
	Reason  string    `json:"reason,omitempty"`
}

// ReorderTasksRequest replaces the ordering of one phase
type ReorderTasksRequest struct {
	Phase   TaskPhase `json:"phase" binding:"required"`
	TaskIDs []string  `json:"taskIds" binding:"required"`
}

// StopTaskResponse reports whether a running session was stopped
type StopTaskResponse struct {
	Stopped bool `json:"stopped"`
}

// ListTasksResponse wraps a task listing
type ListTasksResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

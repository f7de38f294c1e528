// Package models defines the persisted task and workspace records.
// These are the on-disk YAML shapes; handlers convert to pkg/api/v1
// types at the boundary.
package models

import (
	"time"

	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// Workspace is the persisted workspace record, stored at
// <path>/.taskflow/workspace.yaml.
type Workspace struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Path            string            `yaml:"path"`
	IDPrefix        string            `yaml:"idPrefix"`
	SharedContext   string            `yaml:"sharedContext,omitempty"`
	WorkflowPolicy  *WorkflowPolicy   `yaml:"workflowPolicy,omitempty"`
	PromptOverrides map[string]string `yaml:"promptOverrides,omitempty"`

	// NextTaskNum is the id high-watermark. Task numbers are never reused:
	// on load the effective watermark is max(persisted, max suffix+1).
	NextTaskNum int `yaml:"nextTaskNum"`

	// QueueEnabled persists the automation toggle across restarts.
	QueueEnabled bool `yaml:"queueEnabled"`

	CreatedAt time.Time `yaml:"createdAt"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// WorkflowPolicy mirrors v1.WorkflowPolicy with YAML tags. Nil fields
// inherit from the next level up.
type WorkflowPolicy struct {
	ReadyLimit       *int  `yaml:"readyLimit,omitempty"`
	ExecutingLimit   *int  `yaml:"executingLimit,omitempty"`
	BacklogToReady   *bool `yaml:"backlogToReady,omitempty"`
	ReadyToExecuting *bool `yaml:"readyToExecuting,omitempty"`
}

// Task is the persisted task record, stored at
// <workspace>/.taskflow/tasks/<id>/task.yaml.
type Task struct {
	ID          string       `yaml:"id"`
	WorkspaceID string       `yaml:"workspaceId"`
	Title       string       `yaml:"title"`
	Description string       `yaml:"description,omitempty"`
	Phase       v1.TaskPhase `yaml:"phase"`
	Order       int          `yaml:"order"`

	AcceptanceCriteria []string `yaml:"acceptanceCriteria,omitempty"`

	Plan           *Plan             `yaml:"plan,omitempty"`
	PlanningStatus v1.PlanningStatus `yaml:"planningStatus"`

	// SessionFile is the opaque SDK resume handle, referenced by path.
	SessionFile string `yaml:"sessionFile,omitempty"`

	Attachments []Attachment `yaml:"attachments,omitempty"`

	PreExecutionSkills  []string `yaml:"preExecutionSkills,omitempty"`
	PostExecutionSkills []string `yaml:"postExecutionSkills,omitempty"`
	PrePlanningSkills   []string `yaml:"prePlanningSkills,omitempty"`

	PlanningModelConfig  *ModelConfig `yaml:"planningModelConfig,omitempty"`
	ExecutionModelConfig *ModelConfig `yaml:"executionModelConfig,omitempty"`

	UsageMetrics *UsageMetrics `yaml:"usageMetrics,omitempty"`

	Summary *TaskSummary `yaml:"summary,omitempty"`

	AutomationOverride *WorkflowPolicy `yaml:"automationOverride,omitempty"`

	History []HistoryEntry `yaml:"history,omitempty"`

	CreatedAt time.Time `yaml:"createdAt"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// Plan is the structured planning output.
type Plan struct {
	Goal        string    `yaml:"goal"`
	Steps       []string  `yaml:"steps"`
	Validation  []string  `yaml:"validation,omitempty"`
	Cleanup     []string  `yaml:"cleanup,omitempty"`
	GeneratedAt time.Time `yaml:"generatedAt"`
}

// ModelConfig selects the model for a planning or execution conversation.
type ModelConfig struct {
	Model         string `yaml:"model,omitempty"`
	ThinkingLevel string `yaml:"thinkingLevel,omitempty"`
	MaxTurns      int    `yaml:"maxTurns,omitempty"`
}

// Attachment describes a file stored under the task's attachments directory.
type Attachment struct {
	ID         string    `yaml:"id"`
	Filename   string    `yaml:"filename"`
	StoredName string    `yaml:"storedName"`
	MimeType   string    `yaml:"mimeType"`
	Size       int64     `yaml:"size"`
	CreatedAt  time.Time `yaml:"createdAt"`
}

// ModelUsage accumulates token usage for one model.
type ModelUsage struct {
	InputTokens  int64   `yaml:"inputTokens"`
	OutputTokens int64   `yaml:"outputTokens"`
	CostUSD      float64 `yaml:"costUsd"`
}

// UsageMetrics accumulates token usage across a task's sessions.
type UsageMetrics struct {
	InputTokens  int64                 `yaml:"inputTokens"`
	OutputTokens int64                 `yaml:"outputTokens"`
	CostUSD      float64               `yaml:"costUsd"`
	PerModel     map[string]ModelUsage `yaml:"perModel,omitempty"`
}

// TaskSummary is the post-execution summary. The content also lands in
// <task dir>/summary.md for direct reading.
type TaskSummary struct {
	Content     string    `yaml:"content"`
	GeneratedAt time.Time `yaml:"generatedAt"`
}

// HistoryEntry records one phase transition.
type HistoryEntry struct {
	From   v1.TaskPhase `yaml:"from"`
	To     v1.TaskPhase `yaml:"to"`
	Actor  string       `yaml:"actor"`
	Reason string       `yaml:"reason,omitempty"`
	At     time.Time    `yaml:"at"`
}

// ExecutionLease marks a workspace as having a live execution session.
// Written to <workspace>/.taskflow/executing.lease and refreshed by the
// session heartbeat; a leftover lease at startup means the previous
// process died mid-execution.
type ExecutionLease struct {
	TaskID      string    `yaml:"taskId" json:"taskId"`
	SessionID   string    `yaml:"sessionId" json:"sessionId"`
	PID         int       `yaml:"pid" json:"pid"`
	HeartbeatAt time.Time `yaml:"heartbeatAt" json:"heartbeatAt"`
}

// ToAPI converts the persisted workspace record to its API representation.
func (w *Workspace) ToAPI() *v1.Workspace {
	return &v1.Workspace{
		ID:              w.ID,
		Name:            w.Name,
		Path:            w.Path,
		IDPrefix:        w.IDPrefix,
		SharedContext:   w.SharedContext,
		WorkflowPolicy:  w.WorkflowPolicy.ToAPI(),
		PromptOverrides: w.PromptOverrides,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

// ToAPI converts a nullable policy overlay.
func (p *WorkflowPolicy) ToAPI() *v1.WorkflowPolicy {
	if p == nil {
		return nil
	}
	return &v1.WorkflowPolicy{
		ReadyLimit:       p.ReadyLimit,
		ExecutingLimit:   p.ExecutingLimit,
		BacklogToReady:   p.BacklogToReady,
		ReadyToExecuting: p.ReadyToExecuting,
	}
}

// PolicyFromAPI converts an API policy overlay to its persisted form.
func PolicyFromAPI(p *v1.WorkflowPolicy) *WorkflowPolicy {
	if p == nil {
		return nil
	}
	return &WorkflowPolicy{
		ReadyLimit:       p.ReadyLimit,
		ExecutingLimit:   p.ExecutingLimit,
		BacklogToReady:   p.BacklogToReady,
		ReadyToExecuting: p.ReadyToExecuting,
	}
}

// ToAPI converts the persisted task record to its API representation.
func (t *Task) ToAPI() *v1.Task {
	api := &v1.Task{
		ID:                  t.ID,
		WorkspaceID:         t.WorkspaceID,
		Title:               t.Title,
		Description:         t.Description,
		Phase:               t.Phase,
		Order:               t.Order,
		AcceptanceCriteria:  t.AcceptanceCriteria,
		PlanningStatus:      t.PlanningStatus,
		SessionFile:         t.SessionFile,
		PreExecutionSkills:  t.PreExecutionSkills,
		PostExecutionSkills: t.PostExecutionSkills,
		PrePlanningSkills:   t.PrePlanningSkills,
		AutomationOverride:  t.AutomationOverride.ToAPI(),
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
	if t.PlanningStatus == "" {
		api.PlanningStatus = v1.PlanningNone
	}
	if t.Plan != nil {
		api.Plan = &v1.Plan{
			Goal:        t.Plan.Goal,
			Steps:       t.Plan.Steps,
			Validation:  t.Plan.Validation,
			Cleanup:     t.Plan.Cleanup,
			GeneratedAt: t.Plan.GeneratedAt,
		}
	}
	if t.PlanningModelConfig != nil {
		api.PlanningModelConfig = t.PlanningModelConfig.toAPI()
	}
	if t.ExecutionModelConfig != nil {
		api.ExecutionModelConfig = t.ExecutionModelConfig.toAPI()
	}
	if len(t.Attachments) > 0 {
		api.Attachments = make([]v1.Attachment, len(t.Attachments))
		for i, a := range t.Attachments {
			api.Attachments[i] = v1.Attachment{
				ID:         a.ID,
				Filename:   a.Filename,
				StoredName: a.StoredName,
				MimeType:   a.MimeType,
				Size:       a.Size,
				CreatedAt:  a.CreatedAt,
			}
		}
	}
	if t.UsageMetrics != nil {
		m := &v1.UsageMetrics{
			InputTokens:  t.UsageMetrics.InputTokens,
			OutputTokens: t.UsageMetrics.OutputTokens,
			CostUSD:      t.UsageMetrics.CostUSD,
		}
		if len(t.UsageMetrics.PerModel) > 0 {
			m.PerModel = make(map[string]v1.ModelUsage, len(t.UsageMetrics.PerModel))
			for model, u := range t.UsageMetrics.PerModel {
				m.PerModel[model] = v1.ModelUsage{
					InputTokens:  u.InputTokens,
					OutputTokens: u.OutputTokens,
					CostUSD:      u.CostUSD,
				}
			}
		}
		api.UsageMetrics = m
	}
	if t.Summary != nil {
		api.Summary = &v1.TaskSummary{
			Content:     t.Summary.Content,
			GeneratedAt: t.Summary.GeneratedAt,
		}
	}
	if len(t.History) > 0 {
		api.History = make([]v1.HistoryEntry, len(t.History))
		for i, h := range t.History {
			api.History[i] = v1.HistoryEntry{
				From:   h.From,
				To:     h.To,
				Actor:  h.Actor,
				Reason: h.Reason,
				At:     h.At,
			}
		}
	}
	return api
}

func (m *ModelConfig) toAPI() *v1.ModelConfig {
	return &v1.ModelConfig{
		Model:         m.Model,
		ThinkingLevel: m.ThinkingLevel,
		MaxTurns:      m.MaxTurns,
	}
}

// ModelConfigFromAPI converts an API model config to its persisted form.
func ModelConfigFromAPI(m *v1.ModelConfig) *ModelConfig {
	if m == nil {
		return nil
	}
	return &ModelConfig{
		Model:         m.Model,
		ThinkingLevel: m.ThinkingLevel,
		MaxTurns:      m.MaxTurns,
	}
}

// Clone returns a deep copy of the task. The store hands out clones so
// callers never alias the in-memory projection.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	dup.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	dup.PreExecutionSkills = append([]string(nil), t.PreExecutionSkills...)
	dup.PostExecutionSkills = append([]string(nil), t.PostExecutionSkills...)
	dup.PrePlanningSkills = append([]string(nil), t.PrePlanningSkills...)
	dup.Attachments = append([]Attachment(nil), t.Attachments...)
	dup.History = append([]HistoryEntry(nil), t.History...)
	if t.Plan != nil {
		plan := *t.Plan
		plan.Steps = append([]string(nil), t.Plan.Steps...)
		plan.Validation = append([]string(nil), t.Plan.Validation...)
		plan.Cleanup = append([]string(nil), t.Plan.Cleanup...)
		dup.Plan = &plan
	}
	if t.PlanningModelConfig != nil {
		mc := *t.PlanningModelConfig
		dup.PlanningModelConfig = &mc
	}
	if t.ExecutionModelConfig != nil {
		mc := *t.ExecutionModelConfig
		dup.ExecutionModelConfig = &mc
	}
	if t.UsageMetrics != nil {
		um := *t.UsageMetrics
		if t.UsageMetrics.PerModel != nil {
			um.PerModel = make(map[string]ModelUsage, len(t.UsageMetrics.PerModel))
			for k, v := range t.UsageMetrics.PerModel {
				um.PerModel[k] = v
			}
		}
		dup.UsageMetrics = &um
	}
	if t.Summary != nil {
		s := *t.Summary
		dup.Summary = &s
	}
	if t.AutomationOverride != nil {
		dup.AutomationOverride = t.AutomationOverride.clone()
	}
	return &dup
}

// Clone returns a deep copy of the workspace record.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	dup := *w
	if w.WorkflowPolicy != nil {
		dup.WorkflowPolicy = w.WorkflowPolicy.clone()
	}
	if w.PromptOverrides != nil {
		dup.PromptOverrides = make(map[string]string, len(w.PromptOverrides))
		for k, v := range w.PromptOverrides {
			dup.PromptOverrides[k] = v
		}
	}
	return &dup
}

func (p *WorkflowPolicy) clone() *WorkflowPolicy {
	if p == nil {
		return nil
	}
	dup := &WorkflowPolicy{}
	if p.ReadyLimit != nil {
		v := *p.ReadyLimit
		dup.ReadyLimit = &v
	}
	if p.ExecutingLimit != nil {
		v := *p.ExecutingLimit
		dup.ExecutingLimit = &v
	}
	if p.BacklogToReady != nil {
		v := *p.BacklogToReady
		dup.BacklogToReady = &v
	}
	if p.ReadyToExecuting != nil {
		v := *p.ReadyToExecuting
		dup.ReadyToExecuting = &v
	}
	return dup
}

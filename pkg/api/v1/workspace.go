package v1

import "time"

// WorkflowPolicy holds per-workspace or per-task overrides of the automation
// defaults. Nil fields inherit from the next level up (task -> workspace ->
// server config).
type WorkflowPolicy struct {
	ReadyLimit       *int  `json:"readyLimit,omitempty"`
	ExecutingLimit   *int  `json:"executingLimit,omitempty"`
	BacklogToReady   *bool `json:"backlogToReady,omitempty"`
	ReadyToExecuting *bool `json:"readyToExecuting,omitempty"`
}

// EffectivePolicy is a fully resolved workflow policy. A limit of 0 means
// unlimited.
type EffectivePolicy struct {
	ReadyLimit       int  `json:"readyLimit"`
	ExecutingLimit   int  `json:"executingLimit"`
	BacklogToReady   bool `json:"backlogToReady"`
	ReadyToExecuting bool `json:"readyToExecuting"`
}

// ResolveWorkflowPolicy flattens override layers onto the defaults.
// Later layers win; nil fields inherit from the layer below.
func ResolveWorkflowPolicy(defaults EffectivePolicy, layers ...*WorkflowPolicy) EffectivePolicy {
	out := defaults
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if layer.ReadyLimit != nil {
			out.ReadyLimit = *layer.ReadyLimit
		}
		if layer.ExecutingLimit != nil {
			out.ExecutingLimit = *layer.ExecutingLimit
		}
		if layer.BacklogToReady != nil {
			out.BacklogToReady = *layer.BacklogToReady
		}
		if layer.ReadyToExecuting != nil {
			out.ReadyToExecuting = *layer.ReadyToExecuting
		}
	}
	return out
}

// Workspace represents a workspace
type Workspace struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Path            string            `json:"path"`
	IDPrefix        string            `json:"idPrefix"`
	SharedContext   string            `json:"sharedContext,omitempty"`
	WorkflowPolicy  *WorkflowPolicy   `json:"workflowPolicy,omitempty"`
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// CreateWorkspaceRequest for registering a new workspace
type CreateWorkspaceRequest struct {
	Name            string            `json:"name" binding:"required,max=255"`
	Path            string            `json:"path" binding:"required"`
	IDPrefix        string            `json:"idPrefix,omitempty" binding:"omitempty,max=8"`
	SharedContext   string            `json:"sharedContext,omitempty"`
	WorkflowPolicy  *WorkflowPolicy   `json:"workflowPolicy,omitempty"`
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`
}

// ListWorkspacesResponse wraps a workspace listing
type ListWorkspacesResponse struct {
	Workspaces []*Workspace `json:"workspaces"`
	Total      int          `json:"total"`
}

// SuccessResponse acknowledges an operation with no other payload
type SuccessResponse struct {
	Success bool `json:"success"`
}

package v1

// AutomationStatus reports a workspace's automation controller state
type AutomationStatus struct {
	WorkspaceID string          `json:"workspaceId"`
	Enabled     bool            `json:"enabled"`
	Override    *WorkflowPolicy `json:"override,omitempty"`
	Policy      EffectivePolicy `json:"policy"`
}

// PatchAutomationRequest mutates automation state and policy overrides.
// An explicit null on a policy field clears that override so the workspace
// inherits the server default again.
type PatchAutomationRequest struct {
	Enabled          *bool       `json:"enabled,omitempty"`
	ReadyLimit       Patch[int]  `json:"readyLimit"`
	ExecutingLimit   Patch[int]  `json:"executingLimit"`
	BacklogToReady   Patch[bool] `json:"backlogToReady"`
	ReadyToExecuting Patch[bool] `json:"readyToExecuting"`
}

// QueueStatus reports the execution queue of one workspace
type QueueStatus struct {
	WorkspaceID    string          `json:"workspaceId"`
	Enabled        bool            `json:"enabled"`
	CurrentTaskID  string          `json:"currentTaskId,omitempty"`
	ReadyCount     int             `json:"readyCount"`
	ExecutingCount int             `json:"executingCount"`
	Policy         EffectivePolicy `json:"policy"`
}

package v1

// Agent execution statuses carried by execution-status events
const (
	StatusStreaming     = "streaming"
	StatusToolUse       = "tool_use"
	StatusAwaitingInput = "awaiting_input"
	StatusPostHooks     = "post-hooks"
	StatusCompleted     = "completed"
	StatusError         = "error"
	StatusIdle          = "idle"
)

// ExecutionStatusEvent reports a session status change
type ExecutionStatusEvent struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StreamingStartEvent marks the start of an assistant message
type StreamingStartEvent struct {
	TaskID string `json:"taskId"`
}

// StreamingTextEvent carries one assistant text delta
type StreamingTextEvent struct {
	TaskID string `json:"taskId"`
	Text   string `json:"text"`
}

// StreamingEndEvent marks the end of an assistant message
type StreamingEndEvent struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content,omitempty"`
}

// ThinkingDeltaEvent carries one reasoning delta
type ThinkingDeltaEvent struct {
	TaskID string `json:"taskId"`
	Text   string `json:"text"`
}

// ThinkingEndEvent marks the end of a reasoning block
type ThinkingEndEvent struct {
	TaskID string `json:"taskId"`
}

// ToolStartEvent reports a tool execution starting
type ToolStartEvent struct {
	TaskID     string                 `json:"taskId"`
	ToolCallID string                 `json:"toolCallId"`
	ToolName   string                 `json:"toolName"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// ToolUpdateEvent carries incremental tool output
type ToolUpdateEvent struct {
	TaskID     string `json:"taskId"`
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
}

// ToolEndEvent reports a finished tool execution
type ToolEndEvent struct {
	TaskID     string `json:"taskId"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// TurnEndEvent marks the end of one conversation turn
type TurnEndEvent struct {
	TaskID string `json:"taskId"`
	Turn   int    `json:"turn"`
}

// ContextUsageEvent reports context window consumption
type ContextUsageEvent struct {
	TaskID        string  `json:"taskId"`
	Tokens        int64   `json:"tokens"`
	ContextWindow int64   `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}

// TaskCreatedEvent carries a freshly created task
type TaskCreatedEvent struct {
	Task *Task `json:"task"`
}

// TaskUpdatedEvent carries the task after a field update
type TaskUpdatedEvent struct {
	Task *Task `json:"task"`
}

// TaskMovedEvent carries the task after a phase transition
type TaskMovedEvent struct {
	Task  *Task     `json:"task"`
	From  TaskPhase `json:"from"`
	To    TaskPhase `json:"to"`
	Actor string    `json:"actor"`
}

// TaskDeletedEvent identifies a removed task
type TaskDeletedEvent struct {
	TaskID string `json:"taskId"`
}

// PlanGeneratedEvent carries the result of a planning run
type PlanGeneratedEvent struct {
	TaskID             string   `json:"taskId"`
	Plan               *Plan    `json:"plan"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

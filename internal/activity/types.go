// Package activity persists per-workspace timelines and fans out live events
// to workspace subscribers.
package activity

// Event kinds carried on the workspace live stream. Persisted activity
// entries are rebroadcast under KindActivity; every other kind is ephemeral.
const (
	KindActivity = "activity"

	KindExecutionStatus = "agent:execution_status"
	KindStreamingStart  = "agent:streaming_start"
	KindStreamingText   = "agent:streaming_text"
	KindStreamingEnd    = "agent:streaming_end"
	KindThinkingDelta   = "agent:thinking_delta"
	KindThinkingEnd     = "agent:thinking_end"
	KindToolStart       = "agent:tool_start"
	KindToolUpdate      = "agent:tool_update"
	KindToolEnd         = "agent:tool_end"
	KindTurnEnd         = "agent:turn_end"
	KindContextUsage    = "agent:context_usage"

	KindTaskCreated   = "task:created"
	KindTaskUpdated   = "task:updated"
	KindTaskMoved     = "task:moved"
	KindTaskDeleted   = "task:deleted"
	KindPlanGenerated = "task:plan_generated"

	KindQueueStatus = "queue:status"
)

// Event is one item on a workspace live stream
type Event struct {
	WorkspaceID string      `json:"workspaceId"`
	Kind        string      `json:"kind"`
	Payload     interface{} `json:"payload"`
}

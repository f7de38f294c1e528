package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server). Payload: SubscribePayload.
	// Server pushes every workspace broadcast as a notification whose action
	// is the event kind ("activity", "agent:*", "task:*", "queue:status").
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Board reads (client -> server request/response)
	ActionWorkspaceList = "workspace.list"
	ActionTaskList      = "task.list"
	ActionQueueStatus   = "queue.status"
)

// SubscribePayload selects the workspace stream to join or leave
type SubscribePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// SubscribeAck confirms a subscription change
type SubscribeAck struct {
	WorkspaceID string `json:"workspaceId"`
	Subscribed  bool   `json:"subscribed"`
}

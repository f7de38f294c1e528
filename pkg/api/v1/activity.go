package v1

import "time"

// Activity entry types
const (
	EntryChatMessage   = "chat-message"
	EntrySystemEvent   = "system-event"
	EntryTaskSeparator = "task-separator"
)

// Chat message roles
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// ActivityEntry is one record of a workspace's append-only timeline.
// Chat messages carry Role and Content; system events carry the event kind in
// Metadata["kind"] and the human-readable message in Content; task separators
// carry the task id plus title/phase in Metadata.
type ActivityEntry struct {
	ID          string                 `json:"id"`
	Seq         int64                  `json:"seq"`
	WorkspaceID string                 `json:"workspaceId"`
	TaskID      string                 `json:"taskId,omitempty"`
	EntryType   string                 `json:"entryType"`
	Role        string                 `json:"role,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// PostActivityRequest appends a chat message to a workspace timeline. A user
// role additionally routes the content to the task's agent session.
type PostActivityRequest struct {
	TaskID   string                 `json:"taskId,omitempty"`
	Content  string                 `json:"content" binding:"required"`
	Role     string                 `json:"role,omitempty"` // defaults to "user"
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ListActivityResponse wraps a timeline slice
type ListActivityResponse struct {
	Entries []*ActivityEntry `json:"entries"`
	Total   int              `json:"total"`
}

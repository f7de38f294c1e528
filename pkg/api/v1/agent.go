package v1

import "time"

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// SessionInfo describes one live agent session.
type SessionInfo struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"taskId"`
	WorkspaceID       string        `json:"workspaceId"`
	Purpose           string        `json:"purpose"`
	Mode              string        `json:"mode"`
	Status            SessionStatus `json:"status"`
	AwaitingUserInput bool          `json:"awaitingUserInput"`
	Turns             int           `json:"turns"`
	StartedAt         time.Time     `json:"startedAt"`
}

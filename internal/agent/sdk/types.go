// Package sdk is the boundary to the coding-agent harness. A
// Conversation is one agent transcript; implementations speak NDJSON to
// a harness subprocess or replay scripted turns for tests and demo mode.
package sdk

import (
	"context"
	"errors"
)

// Purpose states why a conversation exists. It drives prompt templates,
// tool availability, and watchdog arming.
type Purpose string

const (
	PurposeExecution Purpose = "execution"
	PurposePlanning  Purpose = "planning"
	PurposeChat      Purpose = "chat"
)

// Sentinel errors shared by factory implementations.
var (
	ErrNoSessionFile = errors.New("no session file to resume")
	ErrConversationClosed = errors.New("conversation closed")
)

// EventType enumerates the harness stream events.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventTurnEnd             EventType = "turn_end"
	EventAutoCompactionStart EventType = "auto_compaction_start"
	EventAutoCompactionEnd   EventType = "auto_compaction_end"
	EventAutoRetryAttempt    EventType = "auto_retry_attempt"
	EventAutoRetryExhausted  EventType = "auto_retry_exhausted"
)

// Delta types inside message_update events.
const (
	DeltaText     = "text_delta"
	DeltaThinking = "thinking_delta"
)

// Stop reasons on message_end.
const (
	StopEndTurn = "end_turn"
	StopLength  = "length"
	StopError   = "error"
)

// Event is one line of the harness event stream. Fields are populated
// according to Type; unknown fields are ignored.
type Event struct {
	Type EventType `json:"type"`

	// message_start / message_end
	Role    string   `json:"role,omitempty"`
	Delta   *Delta   `json:"delta,omitempty"`
	Message *Message `json:"message,omitempty"`

	// tool_execution_*
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Output     string                 `json:"output,omitempty"`
	IsError    bool                   `json:"isError,omitempty"`

	// turn_end
	Turn       int    `json:"turn,omitempty"`
	StopReason string `json:"stopReason,omitempty"`

	// auto_compaction_* / auto_retry_*
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	DelayMs     int64  `json:"delayMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Delta is one streaming increment of an in-flight message.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is a completed message carried on message_end.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	StopReason string `json:"stopReason,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Usage is the token accounting for one message.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// ContextUsage reports context window consumption.
type ContextUsage struct {
	Tokens        int64   `json:"tokens"`
	ContextWindow int64   `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}

// EventHandler receives stream events in emission order.
type EventHandler func(event *Event)

// OpenOptions configure a new or resumed conversation.
type OpenOptions struct {
	WorkspacePath string
	TaskID        string
	Purpose       Purpose

	// SessionFile resumes an existing transcript when set and
	// ForceNewSession is false.
	SessionFile            string
	RequireExistingSession bool
	ForceNewSession        bool

	Model         string
	ThinkingLevel string
	MaxTurns      int

	// SettingsOverrides pass through to the harness untouched.
	SettingsOverrides map[string]interface{}

	// Planning disables the harness's own retry and compaction loops;
	// the planning pipeline enforces its budgets itself.
	DisableAutoRetry      bool
	DisableAutoCompaction bool
}

// Conversation is one live agent transcript.
type Conversation interface {
	// Subscribe registers a stream handler. The returned function
	// unsubscribes and is idempotent.
	Subscribe(handler EventHandler) (unsubscribe func())

	// Prompt starts a turn with a fresh user message.
	Prompt(ctx context.Context, text string) error

	// FollowUp continues an idle conversation with another user message.
	FollowUp(ctx context.Context, text string) error

	// Steer injects guidance into a streaming turn without ending it.
	Steer(ctx context.Context, text string) error

	// Abort cooperatively cancels the in-flight turn. Idempotent.
	Abort(ctx context.Context) error

	// Compact asks the harness to summarize history under a directive.
	Compact(ctx context.Context, directive string) error

	// ContextUsage reads current context window consumption.
	ContextUsage(ctx context.Context) (*ContextUsage, error)

	// SessionFile returns the opaque resume handle, available once the
	// conversation is open.
	SessionFile() string

	// Close releases the conversation and its subprocess, if any.
	Close() error
}

// Factory opens conversations.
type Factory interface {
	Open(ctx context.Context, opts OpenOptions) (Conversation, error)
}

// Package session owns every in-flight agent conversation. The manager
// registers one TaskSession per task id, demultiplexes SDK events into
// persisted activity and live broadcasts, enforces the tool-mediated
// completion protocol, and recovers stalled turns through layered
// watchdogs.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// CompletionFunc is invoked exactly once when a session finishes, with
// success=false carrying the error message. Stop and watchdog recovery
// suppress it.
type CompletionFunc func(success bool, errMessage string)

type toolCall struct {
	Name string
	Args map[string]interface{}
}

// Session is one live agent conversation for one task.
type Session struct {
	ID          string
	TaskID      string
	WorkspaceID string
	Purpose     sdk.Purpose
	Mode        contract.Mode

	conv      sdk.Conversation
	watchdogs *watchdogSet
	startedAt time.Time

	mu                sync.Mutex
	status            v1.SessionStatus
	awaitingInput     bool
	turnActive        bool
	turn              int
	turnStartedAt     time.Time
	firstTokenSeen    bool
	turnFailed        bool
	turnError         string
	textBuf           strings.Builder
	thinkingBuf       strings.Builder
	inflightTools     map[string]toolCall
	toolOutputs       map[string]string
	lastToolResult    string
	lastToolResultAt  time.Time
	signaledComplete  bool
	completionSummary string
	completing        bool
	recovered         bool
	closed            bool
	onComplete        CompletionFunc
	pendingFollowUps  []string
	unsubscribe       func()
	restores          []func()
	heartbeatStop     chan struct{}
	turnRestore       func()
}

func (s *Session) Status() v1.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status v1.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// IsStreaming reports whether a turn is currently in flight.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnActive
}

// Observe attaches an extra handler to the raw event stream, alongside
// the manager's own demultiplexer. Callers use it for bookkeeping that
// does not belong in the shared demux, such as budget accounting.
func (s *Session) Observe(handler sdk.EventHandler) (unobserve func()) {
	return s.conv.Subscribe(handler)
}

// Abort cooperatively cancels the in-flight turn.
func (s *Session) Abort(ctx context.Context) error {
	return s.conv.Abort(ctx)
}

// Compact asks the harness to summarize conversation history under the
// given directive.
func (s *Session) Compact(ctx context.Context, directive string) error {
	return s.conv.Compact(ctx, directive)
}

// Info snapshots the session for API consumers.
func (s *Session) Info() *v1.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &v1.SessionInfo{
		ID:                s.ID,
		TaskID:            s.TaskID,
		WorkspaceID:       s.WorkspaceID,
		Purpose:           string(s.Purpose),
		Mode:              string(s.Mode),
		Status:            s.status,
		AwaitingUserInput: s.awaitingInput,
		Turns:             s.turn,
		StartedAt:         s.startedAt,
	}
}

// beginTurn resets per-turn state and marks the turn in flight.
func (s *Session) beginTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	s.turnActive = true
	s.turnStartedAt = time.Now()
	s.firstTokenSeen = false
	s.turnFailed = false
	s.turnError = ""
	s.awaitingInput = false
	s.status = v1.SessionRunning
	s.textBuf.Reset()
	s.thinkingBuf.Reset()
	s.inflightTools = make(map[string]toolCall)
	s.toolOutputs = make(map[string]string)
	return s.turn
}

// endTurn marks the turn finished and reports whether it failed.
func (s *Session) endTurn() (failed bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnActive = false
	return s.turnFailed, s.turnError
}

func (s *Session) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) clearBuffers() {
	s.mu.Lock()
	s.textBuf.Reset()
	s.thinkingBuf.Reset()
	s.mu.Unlock()
}

// appendText buffers an assistant text delta and reports whether it was
// the first token of the turn.
func (s *Session) appendText(text string) (firstToken bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textBuf.WriteString(text)
	if !s.firstTokenSeen {
		s.firstTokenSeen = true
		return true, time.Since(s.turnStartedAt)
	}
	return false, 0
}

func (s *Session) appendThinking(text string) {
	s.mu.Lock()
	s.thinkingBuf.WriteString(text)
	s.mu.Unlock()
}

func (s *Session) hasThinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinkingBuf.Len() > 0
}

func (s *Session) recordToolStart(callID, name string, args map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflightTools == nil {
		s.inflightTools = make(map[string]toolCall)
	}
	if s.toolOutputs == nil {
		s.toolOutputs = make(map[string]string)
	}
	s.inflightTools[callID] = toolCall{Name: name, Args: args}
	s.toolOutputs[callID] = ""
}

// toolOutputDelta returns the unseen suffix of a tool's streamed output
// and records the new total.
func (s *Session) toolOutputDelta(callID, output string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolOutputs == nil {
		s.toolOutputs = make(map[string]string)
	}
	prev := s.toolOutputs[callID]
	s.toolOutputs[callID] = output
	if strings.HasPrefix(output, prev) {
		return output[len(prev):]
	}
	return output
}

// finishTool removes the inflight record and remembers the result for
// echo dedup.
func (s *Session) finishTool(callID, output string) (call toolCall, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok = s.inflightTools[callID]
	delete(s.inflightTools, callID)
	delete(s.toolOutputs, callID)
	s.lastToolResult = strings.TrimSpace(output)
	s.lastToolResultAt = time.Now()
	return call, ok
}

// echoesToolResult reports whether content repeats the last tool result
// within the dedup window.
func (s *Session) echoesToolResult(content string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastToolResult == "" {
		return false
	}
	if time.Since(s.lastToolResultAt) > window {
		return false
	}
	return strings.TrimSpace(content) == s.lastToolResult
}

func (s *Session) markTurnFailed(msg string) {
	s.mu.Lock()
	s.turnFailed = true
	s.turnError = msg
	s.mu.Unlock()
}

// signalComplete records the completion signal. The flag is set-once;
// the first caller gets first=true. alreadyIdle guides the caller on
// whether to re-enter the completion flow directly.
func (s *Session) signalComplete(summary string) (first, alreadyIdle, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false, true
	}
	if s.signaledComplete {
		return false, !s.turnActive && !s.completing, false
	}
	s.signaledComplete = true
	s.completionSummary = summary
	return true, !s.turnActive, false
}

func (s *Session) completionState() (signaled bool, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaledComplete, s.completionSummary
}

// startCompletion claims the completion flow; only the first claimant
// proceeds.
func (s *Session) startCompletion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completing || s.closed {
		return false
	}
	s.completing = true
	return true
}

func (s *Session) isCompleting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completing
}

// markRecovered is the one-shot guard for watchdog recovery.
func (s *Session) markRecovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovered || s.closed {
		return false
	}
	s.recovered = true
	return true
}

// takeOnComplete returns the completion callback and clears it so it
// can fire at most once.
func (s *Session) takeOnComplete() CompletionFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := s.onComplete
	s.onComplete = nil
	return fn
}

func (s *Session) clearOnComplete() {
	s.mu.Lock()
	s.onComplete = nil
	s.mu.Unlock()
}

func (s *Session) setAwaitingInput(v bool) {
	s.mu.Lock()
	s.awaitingInput = v
	s.mu.Unlock()
}

func (s *Session) queueFollowUp(text string) {
	s.mu.Lock()
	s.pendingFollowUps = append(s.pendingFollowUps, text)
	s.mu.Unlock()
}

func (s *Session) nextFollowUp() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingFollowUps) == 0 {
		return "", false
	}
	text := s.pendingFollowUps[0]
	s.pendingFollowUps = s.pendingFollowUps[1:]
	return text, true
}

// setTurnRestore stores the registry restore to run when the current
// turn ends (scoped installs during follow-ups).
func (s *Session) setTurnRestore(restore func()) {
	s.mu.Lock()
	prev := s.turnRestore
	s.turnRestore = restore
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *Session) takeTurnRestore() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	restore := s.turnRestore
	s.turnRestore = nil
	return restore
}

// markClosed flags the session as torn down; late events and callbacks
// check it and drop themselves.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

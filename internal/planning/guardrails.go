package planning

import (
	"fmt"
	"regexp"
	"sync"
)

// turnLimitPattern matches the phrasing agent harnesses use when a
// conversation runs into its configured turn cap.
var turnLimitPattern = regexp.MustCompile(`(?i)turn limit|max turns|too many turns`)

// runState is the guardrail ledger for one planning run. The stream
// observer, the save_plan callback, and the pipeline goroutine all
// touch it; every mutation goes through the mutex.
type runState struct {
	maxToolCalls int
	maxReadBytes int64

	mu          sync.Mutex
	toolCalls   int
	readBytes   int64
	saved       bool
	tripMessage string
	turnLimited bool
	grace       bool
	abortCause  string

	// notify wakes the pipeline when a turn ends or an abort is
	// initiated. Buffered so the observer never blocks event dispatch.
	notify chan struct{}
}

func newRunState(maxToolCalls int, maxReadBytes int64) *runState {
	return &runState{
		maxToolCalls: maxToolCalls,
		maxReadBytes: maxReadBytes,
		notify:       make(chan struct{}, 8),
	}
}

func (r *runState) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// recordToolCall folds one completed tool call into the budget and
// returns the violation message the first time a budget is exceeded.
func (r *runState) recordToolCall(outputBytes int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls++
	r.readBytes += int64(outputBytes)
	if r.tripMessage != "" || r.saved {
		return ""
	}
	if r.maxToolCalls > 0 && r.toolCalls > r.maxToolCalls {
		r.tripMessage = fmt.Sprintf("tool-call budget exceeded (%d/%d)", r.toolCalls, r.maxToolCalls)
		return r.tripMessage
	}
	if r.maxReadBytes > 0 && r.readBytes > r.maxReadBytes {
		r.tripMessage = fmt.Sprintf("tool-output budget exceeded (%d bytes read, limit %d)", r.readBytes, r.maxReadBytes)
		return r.tripMessage
	}
	return ""
}

// tripTimeout records the guardrail timeout as the trip cause if no
// other guardrail fired first.
func (r *runState) tripTimeout(msg string) {
	r.mu.Lock()
	if r.tripMessage == "" {
		r.tripMessage = msg
	}
	r.mu.Unlock()
}

func (r *runState) markTurnLimited() {
	r.mu.Lock()
	r.turnLimited = true
	r.mu.Unlock()
}

// beginGrace flips the run into its grace turn, during which any tool
// other than save_plan is a violation.
func (r *runState) beginGrace() {
	r.mu.Lock()
	r.grace = true
	r.mu.Unlock()
}

// graceViolation reports whether the run is in its grace turn and still
// unsaved, in which case any tool but save_plan must abort. The caller
// claims the abort separately.
func (r *runState) graceViolation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grace && !r.saved
}

// claimSave marks the plan persisted; only the first caller wins.
func (r *runState) claimSave() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved {
		return false
	}
	r.saved = true
	return true
}

// releaseSave undoes claimSave when persistence failed, letting the
// agent retry the tool.
func (r *runState) releaseSave() {
	r.mu.Lock()
	r.saved = false
	r.mu.Unlock()
}

func (r *runState) isSaved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

// claimAbort records why the turn is being aborted; repeat claims for
// the same turn are dropped.
func (r *runState) claimAbort(cause string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortCause != "" {
		return false
	}
	r.abortCause = cause
	return true
}

// resetAbort clears the abort claim between turns.
func (r *runState) resetAbort() {
	r.mu.Lock()
	r.abortCause = ""
	r.mu.Unlock()
}

func (r *runState) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortCause != ""
}

// snapshot reports the guardrail outcome for failure messages.
func (r *runState) snapshot() (tripMessage string, turnLimited bool, toolCalls int, readBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tripMessage, r.turnLimited, r.toolCalls, r.readBytes
}

// needsGrace reports whether the run qualifies for the grace turn: no
// plan persisted and a guardrail or turn limit ended the main turn.
func (r *runState) needsGrace() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.saved && (r.tripMessage != "" || r.turnLimited)
}

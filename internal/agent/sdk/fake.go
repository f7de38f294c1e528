package sdk

import (
	"context"
	"sync"
	"time"
)

// ScriptStep is one beat of a scripted turn: an optional pause, an
// optional event emitted to subscribers, an optional side effect.
type ScriptStep struct {
	Sleep time.Duration
	Event *Event
	Do    func()
}

// Turn groups steps into one scripted turn. Each Prompt or FollowUp
// consumes the next turn.
func Turn(steps ...ScriptStep) []ScriptStep { return steps }

func EmitStep(event *Event) ScriptStep     { return ScriptStep{Event: event} }
func DoStep(fn func()) ScriptStep          { return ScriptStep{Do: fn} }
func SleepStep(d time.Duration) ScriptStep { return ScriptStep{Sleep: d} }

// FakeConversation replays scripted turns. Prompt and FollowUp return
// immediately and play the next turn asynchronously, mirroring the
// subprocess implementation.
type FakeConversation struct {
	mu         sync.Mutex
	subs       map[int]EventHandler
	nextSubID  int
	turns      [][]ScriptStep
	turnIdx    int
	turnCancel chan struct{}
	closed     bool

	sessionFile string
	usage       ContextUsage

	Prompts    []string
	FollowUps  []string
	Steers     []string
	Directives []string
	Aborts     int

	playing sync.WaitGroup
}

// NewFakeConversation builds a conversation that plays the given turns
// in order and reports sessionFile as its resume handle.
func NewFakeConversation(sessionFile string, turns ...[]ScriptStep) *FakeConversation {
	return &FakeConversation{
		subs:        make(map[int]EventHandler),
		turns:       turns,
		sessionFile: sessionFile,
	}
}

// SetContextUsage fixes the value returned by ContextUsage.
func (c *FakeConversation) SetContextUsage(usage ContextUsage) {
	c.mu.Lock()
	c.usage = usage
	c.mu.Unlock()
}

func (c *FakeConversation) Subscribe(handler EventHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *FakeConversation) Prompt(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.Prompts = append(c.Prompts, text)
	c.mu.Unlock()
	c.startTurn()
	return nil
}

func (c *FakeConversation) FollowUp(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.FollowUps = append(c.FollowUps, text)
	c.mu.Unlock()
	c.startTurn()
	return nil
}

func (c *FakeConversation) Steer(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	c.Steers = append(c.Steers, text)
	return nil
}

// Abort stops the in-flight turn's playback. Idempotent.
func (c *FakeConversation) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Aborts++
	if c.turnCancel != nil {
		select {
		case <-c.turnCancel:
		default:
			close(c.turnCancel)
		}
	}
	return nil
}

func (c *FakeConversation) Compact(ctx context.Context, directive string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	c.Directives = append(c.Directives, directive)
	return nil
}

func (c *FakeConversation) ContextUsage(ctx context.Context) (*ContextUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	usage := c.usage
	return &usage, nil
}

func (c *FakeConversation) SessionFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionFile
}

func (c *FakeConversation) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.turnCancel != nil {
		select {
		case <-c.turnCancel:
		default:
			close(c.turnCancel)
		}
	}
	c.mu.Unlock()
	return nil
}

// WaitPlayback blocks until every started turn has finished playing or
// the timeout elapses. Returns false on timeout.
func (c *FakeConversation) WaitPlayback(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.playing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *FakeConversation) startTurn() {
	c.mu.Lock()
	if c.closed || c.turnIdx >= len(c.turns) {
		c.mu.Unlock()
		return
	}
	steps := c.turns[c.turnIdx]
	c.turnIdx++
	cancel := make(chan struct{})
	c.turnCancel = cancel
	c.mu.Unlock()

	c.playing.Add(1)
	go func() {
		defer c.playing.Done()
		for _, step := range steps {
			if step.Sleep > 0 {
				select {
				case <-cancel:
					return
				case <-time.After(step.Sleep):
				}
			}
			select {
			case <-cancel:
				return
			default:
			}
			if step.Event != nil {
				c.emit(step.Event)
			}
			if step.Do != nil {
				step.Do()
			}
		}
	}()
}

func (c *FakeConversation) emit(event *Event) {
	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// FakeFactory hands out scripted conversations keyed by task id.
type FakeFactory struct {
	mu            sync.Mutex
	conversations map[string]*FakeConversation
	openErrFor    map[string]error

	Opened []OpenOptions
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		conversations: make(map[string]*FakeConversation),
		openErrFor:    make(map[string]error),
	}
}

// Script registers the conversation returned for a task id.
func (f *FakeFactory) Script(taskID string, conv *FakeConversation) {
	f.mu.Lock()
	f.conversations[taskID] = conv
	f.mu.Unlock()
}

// FailOpen makes Open return err for a task id.
func (f *FakeFactory) FailOpen(taskID string, err error) {
	f.mu.Lock()
	f.openErrFor[taskID] = err
	f.mu.Unlock()
}

func (f *FakeFactory) Open(ctx context.Context, opts OpenOptions) (Conversation, error) {
	if opts.RequireExistingSession && opts.SessionFile == "" {
		return nil, ErrNoSessionFile
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, opts)

	if err, ok := f.openErrFor[opts.TaskID]; ok {
		return nil, err
	}
	if conv, ok := f.conversations[opts.TaskID]; ok {
		return conv, nil
	}
	return NewFakeConversation(""), nil
}

// OpenedFor returns the open options recorded for a task id, latest last.
func (f *FakeFactory) OpenedFor(taskID string) []OpenOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OpenOptions
	for _, o := range f.Opened {
		if o.TaskID == taskID {
			out = append(out, o)
		}
	}
	return out
}

// Event builders for scripted turns.

func AgentStartEvent() *Event {
	return &Event{Type: EventAgentStart}
}

func MessageStartEvent(role string) *Event {
	return &Event{Type: EventMessageStart, Role: role}
}

func TextDeltaEvent(text string) *Event {
	return &Event{Type: EventMessageUpdate, Delta: &Delta{Type: DeltaText, Text: text}}
}

func ThinkingDeltaEvent(text string) *Event {
	return &Event{Type: EventMessageUpdate, Delta: &Delta{Type: DeltaThinking, Text: text}}
}

func MessageEndEvent(role, content string, usage *Usage) *Event {
	return &Event{Type: EventMessageEnd, Message: &Message{
		Role:       role,
		Content:    content,
		StopReason: StopEndTurn,
		Usage:      usage,
	}}
}

func ToolStartEvent(callID, name string, args map[string]interface{}) *Event {
	return &Event{Type: EventToolExecutionStart, ToolCallID: callID, ToolName: name, Args: args}
}

func ToolEndEvent(callID, name, output string, isError bool) *Event {
	return &Event{Type: EventToolExecutionEnd, ToolCallID: callID, ToolName: name, Output: output, IsError: isError}
}

func TurnEndEvent(turn int, stopReason string) *Event {
	return &Event{Type: EventTurnEnd, Turn: turn, StopReason: stopReason}
}

package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
)

const (
	opOpen         = "open"
	opPrompt       = "prompt"
	opFollowUp     = "follow_up"
	opSteer        = "steer"
	opAbort        = "abort"
	opCompact      = "compact"
	opContextUsage = "context_usage"
	opClose        = "close"

	openTimeout  = 30 * time.Second
	closeTimeout = 5 * time.Second

	// eventQueueSize decouples the read loop from event handlers so a
	// handler making a blocking call on the conversation cannot starve
	// the loop that reads its response.
	eventQueueSize = 1024

	toolsEndpointEnv = "TASKFLOW_TOOLS_ENDPOINT"
	taskIDEnv        = "TASKFLOW_TASK_ID"
)

// ProcessFactory spawns one harness subprocess per conversation and
// speaks NDJSON to it over stdin/stdout.
type ProcessFactory struct {
	// Command is the harness binary and its base arguments.
	Command []string

	// ToolsEndpoint is handed to the harness via environment so its
	// MCP client can reach the tool bridge.
	ToolsEndpoint string

	Logger *logger.Logger
}

// NewProcessFactory builds a factory for the given harness command line.
func NewProcessFactory(command []string, toolsEndpoint string, log *logger.Logger) (*ProcessFactory, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("harness command is empty")
	}
	return &ProcessFactory{
		Command:       command,
		ToolsEndpoint: toolsEndpoint,
		Logger:        log.WithFields(zap.String("component", "agent-sdk")),
	}, nil
}

// Open spawns the harness, starts the read loop, and performs the open
// handshake. The returned conversation owns the subprocess.
func (f *ProcessFactory) Open(ctx context.Context, opts OpenOptions) (Conversation, error) {
	if opts.RequireExistingSession && opts.SessionFile == "" {
		return nil, ErrNoSessionFile
	}

	cmd := exec.Command(f.Command[0], f.Command[1:]...)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = append(os.Environ(),
		toolsEndpointEnv+"="+f.ToolsEndpoint,
		taskIDEnv+"="+opts.TaskID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start harness: %w", err)
	}

	conv := &processConversation{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		logger:  f.Logger.WithFields(zap.String("task_id", opts.TaskID)),
		done:    make(chan struct{}),
		pending: make(map[string]chan *procLine),
		subs:    make(map[int]EventHandler),
		events:  make(chan *Event, eventQueueSize),
	}
	go conv.drainStderr(stderr)
	go conv.dispatchLoop()

	ready := make(chan struct{})
	go conv.readLoop(ready)
	<-ready

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	result, err := conv.call(openCtx, opOpen, map[string]interface{}{
		"workspacePath":         opts.WorkspacePath,
		"taskId":                opts.TaskID,
		"purpose":               string(opts.Purpose),
		"sessionFile":           opts.SessionFile,
		"forceNewSession":       opts.ForceNewSession,
		"model":                 opts.Model,
		"thinkingLevel":         opts.ThinkingLevel,
		"maxTurns":              opts.MaxTurns,
		"settings":              opts.SettingsOverrides,
		"disableAutoRetry":      opts.DisableAutoRetry,
		"disableAutoCompaction": opts.DisableAutoCompaction,
	})
	if err != nil {
		_ = conv.Close()
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	var opened struct {
		SessionFile string `json:"sessionFile"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &opened); err != nil {
			_ = conv.Close()
			return nil, fmt.Errorf("parse open result: %w", err)
		}
	}
	conv.mu.Lock()
	conv.sessionFile = opened.SessionFile
	conv.mu.Unlock()

	return conv, nil
}

// procRequest is one request line to the harness.
type procRequest struct {
	Op        string                 `json:"op"`
	RequestID string                 `json:"requestId"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// procLine is one line from the harness: either an op result or an
// event, never both.
type procLine struct {
	OpResult  string          `json:"op_result,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Event     *Event          `json:"event,omitempty"`
}

type processConversation struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	logger *logger.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *procLine

	mu          sync.RWMutex
	subs        map[int]EventHandler
	nextSubID   int
	sessionFile string

	events    chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *processConversation) Subscribe(handler EventHandler) func() {
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

func (c *processConversation) Prompt(ctx context.Context, text string) error {
	_, err := c.call(ctx, opPrompt, map[string]interface{}{"text": text})
	return err
}

func (c *processConversation) FollowUp(ctx context.Context, text string) error {
	_, err := c.call(ctx, opFollowUp, map[string]interface{}{"text": text})
	return err
}

func (c *processConversation) Steer(ctx context.Context, text string) error {
	_, err := c.call(ctx, opSteer, map[string]interface{}{"text": text})
	return err
}

func (c *processConversation) Abort(ctx context.Context) error {
	_, err := c.call(ctx, opAbort, nil)
	if err == ErrConversationClosed {
		return nil
	}
	return err
}

func (c *processConversation) Compact(ctx context.Context, directive string) error {
	_, err := c.call(ctx, opCompact, map[string]interface{}{"directive": directive})
	return err
}

func (c *processConversation) ContextUsage(ctx context.Context) (*ContextUsage, error) {
	result, err := c.call(ctx, opContextUsage, nil)
	if err != nil {
		return nil, err
	}
	var usage ContextUsage
	if err := json.Unmarshal(result, &usage); err != nil {
		return nil, fmt.Errorf("parse context usage: %w", err)
	}
	return &usage, nil
}

func (c *processConversation) SessionFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionFile
}

// Close asks the harness to shut down, then closes stdin and reaps the
// subprocess, killing it if it lingers.
func (c *processConversation) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_, _ = c.call(ctx, opClose, nil)
		cancel()

		close(c.done)
		_ = c.stdin.Close()

		waited := make(chan error, 1)
		go func() { waited <- c.cmd.Wait() }()
		select {
		case <-waited:
		case <-time.After(closeTimeout):
			_ = c.cmd.Process.Kill()
			<-waited
		}
		c.failPending()
	})
	return nil
}

// call sends one request and waits for its correlated op_result line.
func (c *processConversation) call(ctx context.Context, op string, params map[string]interface{}) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConversationClosed
	default:
	}

	requestID := uuid.New().String()
	ch := make(chan *procLine, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&procRequest{Op: op, RequestID: requestID, Params: params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConversationClosed
	case line := <-ch:
		if line == nil {
			return nil, ErrConversationClosed
		}
		if !line.OK {
			return nil, fmt.Errorf("%s failed: %s", op, line.Error)
		}
		return line.Result, nil
	}
}

func (c *processConversation) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *processConversation) readLoop(ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool outputs can be large; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("harness read loop ended", zap.Error(err))
	}
	c.failPending()
}

func (c *processConversation) handleLine(line []byte) {
	var msg procLine
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparsable harness line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	if msg.Event != nil {
		select {
		case c.events <- msg.Event:
		case <-c.done:
		}
		return
	}

	if msg.OpResult != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RequestID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Warn("op result for unknown request",
				zap.String("op", msg.OpResult),
				zap.String("request_id", msg.RequestID))
			return
		}
		select {
		case ch <- &msg:
		default:
		}
	}
}

// dispatchLoop delivers events to subscribers in arrival order, one at
// a time, off the read loop goroutine.
func (c *processConversation) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.events:
			c.dispatch(event)
		}
	}
}

func (c *processConversation) dispatch(event *Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// failPending unblocks callers waiting on a harness that is gone.
func (c *processConversation) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *processConversation) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("harness stderr", zap.String("line", scanner.Text()))
	}
}

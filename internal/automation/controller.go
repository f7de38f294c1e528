// Package automation enforces each workspace's workflow policy
// reactively: planning completions promote backlog tasks into ready,
// and queue kicks pull ready tasks into executing sessions, both under
// the resolved WIP limits. The controller owns no schedule of its own;
// it only reacts to control-bus events and explicit kicks.
package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/events"
	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/session"
	"github.com/taskflow/taskflow/internal/task/models"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

var ErrControllerClosed = errors.New("automation controller closed")

const opTimeout = 30 * time.Second

// Config tunes the controller.
type Config struct {
	// KickBackoff is the delay before re-kicking a workspace after a
	// failed auto-start.
	KickBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{KickBackoff: 15 * time.Second}
}

// Controller reacts to task moves, planning completions, and queue
// kicks for every workspace. Enablement is persisted on the workspace
// record; only currentTaskId lives in memory.
type Controller struct {
	tasks    *taskservice.Service
	manager  *session.Manager
	activity *activity.Service
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	// kicks serializes queue scans per workspace; concurrent kicks for
	// the same workspace collapse into the running scan.
	kicks singleflight.Group

	mu      sync.Mutex
	current map[string]string
	subs    []bus.Subscription
	closed  bool
}

func NewController(tasks *taskservice.Service, manager *session.Manager, act *activity.Service, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Controller {
	if cfg.KickBackoff <= 0 {
		cfg.KickBackoff = 15 * time.Second
	}
	return &Controller{
		tasks:    tasks,
		manager:  manager,
		activity: act,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "automation")),
		current:  make(map[string]string),
	}
}

// Start subscribes to the control bus and kicks every workspace whose
// queue survived a restart enabled.
func (c *Controller) Start(ctx context.Context) error {
	type trigger struct {
		subject string
		handler bus.EventHandler
	}
	for _, tr := range []trigger{
		{events.BuildTaskWildcardSubject(events.TaskMoved), c.onTaskMoved},
		{events.BuildPlanningWildcardSubject(events.PlanningCompleted), c.onPlanningCompleted},
		{events.BuildQueueKickWildcardSubject(), c.onQueueKick},
	} {
		sub, err := c.bus.Subscribe(tr.subject, tr.handler)
		if err != nil {
			c.Close()
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	for _, ws := range c.tasks.WorkspaceRecords() {
		if ws.QueueEnabled {
			c.Kick(ws.ID)
		}
	}
	return nil
}

// Close detaches the controller from the bus. In-flight kicks finish;
// scheduled backoff re-kicks become no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Kick schedules a queue scan for the workspace. Always asynchronous:
// callers sit inside bus handlers, completion callbacks, and HTTP
// handlers, none of which may block on the scan.
func (c *Controller) Kick(workspaceID string) {
	if workspaceID == "" || c.isClosed() {
		return
	}
	go func() {
		_, _, _ = c.kicks.Do(workspaceID, func() (interface{}, error) {
			c.scan(workspaceID)
			return nil, nil
		})
	}()
}

// scan starts ready tasks until capacity or candidates run out. One
// scan per workspace runs at a time.
func (c *Controller) scan(workspaceID string) {
	for {
		outcome := c.startNext(workspaceID)
		switch outcome {
		case startedTask:
			continue
		case startFailed:
			c.scheduleRetry(workspaceID)
			return
		default:
			return
		}
	}
}

type scanOutcome int

const (
	nothingToStart scanOutcome = iota
	startedTask
	startFailed
)

// startNext picks the first ready task without a running session and
// moves it into an execution session. The phase move enforces the
// executing WIP limit a second time, so a racing manual move loses.
func (c *Controller) startNext(workspaceID string) scanOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ws, err := c.tasks.GetWorkspaceRecord(ctx, workspaceID)
	if err != nil {
		c.logger.Warn("kick: workspace lookup failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
		return nothingToStart
	}
	if !ws.QueueEnabled {
		return nothingToStart
	}
	policy := c.tasks.EffectivePolicy(ws, nil)
	if !policy.ReadyToExecuting {
		return nothingToStart
	}
	if policy.ExecutingLimit > 0 && c.tasks.CountPhase(workspaceID, v1.PhaseExecuting) >= policy.ExecutingLimit {
		return nothingToStart
	}

	var candidate *models.Task
	for _, task := range c.tasks.PhaseTasks(workspaceID, v1.PhaseReady) {
		if !c.manager.HasRunningSession(task.ID) {
			candidate = task
			break
		}
	}
	if candidate == nil {
		return nothingToStart
	}

	if _, err := c.tasks.MoveTask(ctx, workspaceID, candidate.ID, v1.PhaseExecuting, "automation", "queue kick"); err != nil {
		c.logger.Warn("kick: move to executing failed",
			zap.String("workspace_id", workspaceID),
			zap.String("task_id", candidate.ID),
			zap.Error(err))
		return nothingToStart
	}
	c.setCurrent(workspaceID, candidate.ID)

	taskID := candidate.ID
	_, err = c.manager.StartExecution(context.Background(), workspaceID, taskID, func(success bool, errMessage string) {
		c.clearCurrent(workspaceID, taskID)
		c.broadcastStatus(context.Background(), workspaceID)
	})
	if err != nil {
		c.clearCurrent(workspaceID, taskID)
		if _, merr := c.tasks.MoveTask(ctx, workspaceID, taskID, v1.PhaseReady, "automation", "auto-start failed"); merr != nil {
			c.logger.Error("kick: failed to return task to ready",
				zap.String("task_id", taskID), zap.Error(merr))
		}
		if _, aerr := c.activity.AppendSystemEvent(ctx, workspaceID, taskID,
			"auto_start_failed", err.Error(), nil); aerr != nil {
			c.logger.Warn("kick: failed to append auto-start failure",
				zap.String("task_id", taskID), zap.Error(aerr))
		}
		c.logger.Warn("kick: auto-start failed",
			zap.String("workspace_id", workspaceID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return startFailed
	}

	c.logger.Info("queue started task",
		zap.String("workspace_id", workspaceID),
		zap.String("task_id", taskID))
	c.broadcastStatus(ctx, workspaceID)
	return startedTask
}

func (c *Controller) scheduleRetry(workspaceID string) {
	time.AfterFunc(c.cfg.KickBackoff, func() {
		c.Kick(workspaceID)
	})
}

// onTaskMoved keeps currentTaskId honest and rescans: a move into ready
// may be startable, a move out of executing frees capacity.
func (c *Controller) onTaskMoved(ctx context.Context, event *bus.Event) error {
	workspaceID, _ := event.Data["workspace_id"].(string)
	taskID, _ := event.Data["task_id"].(string)
	to, _ := event.Data["to"].(string)
	if workspaceID == "" {
		return nil
	}
	if taskID != "" && to != string(v1.PhaseExecuting) {
		c.clearCurrent(workspaceID, taskID)
	}
	c.Kick(workspaceID)
	return nil
}

// onPlanningCompleted promotes a planned backlog task into ready when
// the policy allows and the ready column has room. Promotion failures
// are logged, not retried; the next planning run or manual move tries
// again.
func (c *Controller) onPlanningCompleted(ctx context.Context, event *bus.Event) error {
	workspaceID, _ := event.Data["workspace_id"].(string)
	taskID, _ := event.Data["task_id"].(string)
	if workspaceID == "" || taskID == "" {
		return nil
	}

	opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ws, err := c.tasks.GetWorkspaceRecord(opCtx, workspaceID)
	if err != nil {
		return nil
	}
	if !ws.QueueEnabled {
		return nil
	}
	task, err := c.tasks.GetTaskRecord(opCtx, workspaceID, taskID)
	if err != nil || task.Phase != v1.PhaseBacklog {
		return nil
	}
	policy := c.tasks.EffectivePolicy(ws, task)
	if !policy.BacklogToReady {
		return nil
	}
	if policy.ReadyLimit > 0 && c.tasks.CountPhase(workspaceID, v1.PhaseReady) >= policy.ReadyLimit {
		c.logger.Info("auto-promote skipped, ready column full",
			zap.String("workspace_id", workspaceID), zap.String("task_id", taskID))
		return nil
	}

	if _, err := c.tasks.MoveTask(opCtx, workspaceID, taskID, v1.PhaseReady, "automation", "planning completed"); err != nil {
		c.logger.Warn("auto-promote failed",
			zap.String("workspace_id", workspaceID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return nil
	}
	c.logger.Info("task auto-promoted to ready",
		zap.String("workspace_id", workspaceID), zap.String("task_id", taskID))
	return nil
}

func (c *Controller) onQueueKick(ctx context.Context, event *bus.Event) error {
	workspaceID, _ := event.Data["workspace_id"].(string)
	c.Kick(workspaceID)
	return nil
}

// StartQueue enables the workspace queue, persists the flag, and kicks.
func (c *Controller) StartQueue(ctx context.Context, workspaceID string) (*v1.QueueStatus, error) {
	if c.isClosed() {
		return nil, ErrControllerClosed
	}
	ws, err := c.tasks.UpdateWorkspaceRecord(ctx, workspaceID, func(ws *models.Workspace) error {
		ws.QueueEnabled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishQueueEvent(ctx, events.QueueStarted, workspaceID)
	status := c.statusFor(ws)
	c.broadcast(workspaceID, status)
	c.Kick(workspaceID)
	c.logger.Info("queue started", zap.String("workspace_id", workspaceID))
	return status, nil
}

// StopQueue disables the queue and persists the flag. Running execution
// sessions keep running; only new auto-starts stop.
func (c *Controller) StopQueue(ctx context.Context, workspaceID string) (*v1.QueueStatus, error) {
	ws, err := c.tasks.UpdateWorkspaceRecord(ctx, workspaceID, func(ws *models.Workspace) error {
		ws.QueueEnabled = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishQueueEvent(ctx, events.QueueStopped, workspaceID)
	status := c.statusFor(ws)
	c.broadcast(workspaceID, status)
	c.logger.Info("queue stopped", zap.String("workspace_id", workspaceID))
	return status, nil
}

// Status reports the queue for one workspace.
func (c *Controller) Status(ctx context.Context, workspaceID string) (*v1.QueueStatus, error) {
	ws, err := c.tasks.GetWorkspaceRecord(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return c.statusFor(ws), nil
}

// AutomationStatus reports enablement plus the policy override and its
// resolution for one workspace.
func (c *Controller) AutomationStatus(ctx context.Context, workspaceID string) (*v1.AutomationStatus, error) {
	ws, err := c.tasks.GetWorkspaceRecord(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &v1.AutomationStatus{
		WorkspaceID: ws.ID,
		Enabled:     ws.QueueEnabled,
		Override:    ws.WorkflowPolicy.ToAPI(),
		Policy:      c.tasks.EffectivePolicy(ws, nil),
	}, nil
}

// PatchAutomation applies enablement and override patches. An explicit
// null clears a field so the workspace inherits the server default.
func (c *Controller) PatchAutomation(ctx context.Context, workspaceID string, req *v1.PatchAutomationRequest) (*v1.AutomationStatus, error) {
	enabledBefore := false
	ws, err := c.tasks.UpdateWorkspaceRecord(ctx, workspaceID, func(ws *models.Workspace) error {
		enabledBefore = ws.QueueEnabled
		if req.Enabled != nil {
			ws.QueueEnabled = *req.Enabled
		}
		override := ws.WorkflowPolicy
		if override == nil {
			override = &models.WorkflowPolicy{}
		}
		applyIntPatch(&override.ReadyLimit, req.ReadyLimit)
		applyIntPatch(&override.ExecutingLimit, req.ExecutingLimit)
		applyBoolPatch(&override.BacklogToReady, req.BacklogToReady)
		applyBoolPatch(&override.ReadyToExecuting, req.ReadyToExecuting)
		if override.ReadyLimit == nil && override.ExecutingLimit == nil &&
			override.BacklogToReady == nil && override.ReadyToExecuting == nil {
			override = nil
		}
		ws.WorkflowPolicy = override
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publishQueueEvent(ctx, events.AutomationUpdated, workspaceID)
	c.broadcast(workspaceID, c.statusFor(ws))
	if !enabledBefore && ws.QueueEnabled {
		c.Kick(workspaceID)
	}
	c.logger.Info("automation updated", zap.String("workspace_id", workspaceID))
	return &v1.AutomationStatus{
		WorkspaceID: ws.ID,
		Enabled:     ws.QueueEnabled,
		Override:    ws.WorkflowPolicy.ToAPI(),
		Policy:      c.tasks.EffectivePolicy(ws, nil),
	}, nil
}

func applyIntPatch(dst **int, p v1.Patch[int]) {
	if !p.Present {
		return
	}
	if p.Null {
		*dst = nil
		return
	}
	v := p.Value
	*dst = &v
}

func applyBoolPatch(dst **bool, p v1.Patch[bool]) {
	if !p.Present {
		return
	}
	if p.Null {
		*dst = nil
		return
	}
	v := p.Value
	*dst = &v
}

func (c *Controller) statusFor(ws *models.Workspace) *v1.QueueStatus {
	return &v1.QueueStatus{
		WorkspaceID:    ws.ID,
		Enabled:        ws.QueueEnabled,
		CurrentTaskID:  c.currentTask(ws.ID),
		ReadyCount:     c.tasks.CountPhase(ws.ID, v1.PhaseReady),
		ExecutingCount: c.tasks.CountPhase(ws.ID, v1.PhaseExecuting),
		Policy:         c.tasks.EffectivePolicy(ws, nil),
	}
}

func (c *Controller) broadcastStatus(ctx context.Context, workspaceID string) {
	ws, err := c.tasks.GetWorkspaceRecord(ctx, workspaceID)
	if err != nil {
		return
	}
	c.broadcast(workspaceID, c.statusFor(ws))
}

func (c *Controller) broadcast(workspaceID string, status *v1.QueueStatus) {
	if c.activity == nil {
		return
	}
	c.activity.Broadcast(workspaceID, activity.KindQueueStatus, status)
}

func (c *Controller) publishQueueEvent(ctx context.Context, eventType, workspaceID string) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "automation", map[string]interface{}{
		"workspace_id": workspaceID,
	})
	if err := c.bus.Publish(ctx, eventType+"."+workspaceID, event); err != nil {
		c.logger.Error("failed to publish queue event",
			zap.String("event_type", eventType),
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}

func (c *Controller) setCurrent(workspaceID, taskID string) {
	c.mu.Lock()
	c.current[workspaceID] = taskID
	c.mu.Unlock()
}

func (c *Controller) clearCurrent(workspaceID, taskID string) {
	c.mu.Lock()
	if c.current[workspaceID] == taskID {
		delete(c.current, workspaceID)
	}
	c.mu.Unlock()
}

func (c *Controller) currentTask(workspaceID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[workspaceID]
}

// Package planning drives plan generation for a task: a dedicated agent
// conversation investigates the workspace under tool and byte budgets,
// then persists acceptance criteria and a structured plan through the
// save_plan tool. The pipeline budgets, bounds, and persists; it does
// not interpret what the agent plans. Success is judged solely by
// whether a plan was persisted.
package planning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/common/tracing"
	"github.com/taskflow/taskflow/internal/events"
	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/session"
	"github.com/taskflow/taskflow/internal/task/models"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

var ErrPlanningActive = errors.New("planning already running for task")

// compactionDirective guides post-planning history compaction so the
// resumed conversation keeps what execution needs.
const compactionDirective = "Summarize this planning conversation. Preserve the user's intent, " +
	"stated constraints, architectural decisions, known risks, trade-offs that were weighed, " +
	"the acceptance criteria, and the saved plan. Drop raw tool output and exploratory dead ends."

const (
	openTimeout    = 30 * time.Second
	persistTimeout = 30 * time.Second
	graceTimeout   = 90 * time.Second
	publishTimeout = 5 * time.Second
)

// Config tunes the planning guardrails.
type Config struct {
	// Timeout bounds the main investigation turn.
	Timeout time.Duration
	// MaxToolCalls caps completed tool calls; save_plan is exempt.
	MaxToolCalls int
	// MaxReadBytes caps accumulated tool output.
	MaxReadBytes int64
	// CompactionTimeout bounds the post-success history compaction.
	CompactionTimeout time.Duration
	// Settle is how long an initiated abort gets to surface its turn end
	// before the pipeline moves on.
	Settle time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Minute,
		MaxToolCalls:      25,
		MaxReadBytes:      256 * 1024,
		CompactionTimeout: 90 * time.Second,
		Settle:            2 * time.Second,
	}
}

// Pipeline runs bounded planning conversations, one per task at a time.
type Pipeline struct {
	manager  *session.Manager
	tasks    *taskservice.Service
	activity *activity.Service
	registry *registry.Registry
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	mu     sync.Mutex
	active map[string]bool
}

func NewPipeline(manager *session.Manager, tasks *taskservice.Service, act *activity.Service, reg *registry.Registry, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.CompactionTimeout <= 0 {
		cfg.CompactionTimeout = 90 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	return &Pipeline{
		manager:  manager,
		tasks:    tasks,
		activity: act,
		registry: reg,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "planning")),
		active:   make(map[string]bool),
	}
}

// Active reports whether a planning run is in flight for the task.
func (p *Pipeline) Active(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[taskID]
}

// Start launches plan generation for the task in the background. The
// planning status flips to running before Start returns, so callers
// observe the transition immediately. A running planning run for the
// same task or a live execution session is a conflict.
func (p *Pipeline) Start(ctx context.Context, workspaceID, taskID, trigger string) error {
	if _, err := p.tasks.GetTaskRecord(ctx, workspaceID, taskID); err != nil {
		return err
	}
	if sess := p.manager.Active(taskID); sess != nil && sess.Purpose == sdk.PurposeExecution {
		return session.ErrSessionActive
	}

	p.mu.Lock()
	if p.active[taskID] {
		p.mu.Unlock()
		return ErrPlanningActive
	}
	p.active[taskID] = true
	p.mu.Unlock()

	if _, err := p.tasks.SetPlanningStatus(ctx, workspaceID, taskID, v1.PlanningRunning); err != nil {
		p.release(taskID)
		return err
	}
	p.publish(events.PlanningStarted, workspaceID, taskID, map[string]interface{}{
		"trigger": trigger,
	})

	go p.run(workspaceID, taskID, trigger)
	return nil
}

func (p *Pipeline) release(taskID string) {
	p.mu.Lock()
	delete(p.active, taskID)
	p.mu.Unlock()
}

func (p *Pipeline) run(workspaceID, taskID, trigger string) {
	defer p.release(taskID)

	_, span := tracing.Tracer("taskflow-planning").Start(context.Background(), "planning.Run")
	defer span.End()

	err := p.execute(workspaceID, taskID)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err != nil {
		if _, serr := p.tasks.SetPlanningStatus(ctx, workspaceID, taskID, v1.PlanningError); serr != nil {
			p.logger.Error("failed to mark planning error",
				zap.String("task_id", taskID), zap.Error(serr))
		}
		if _, aerr := p.activity.AppendSystemEvent(ctx, workspaceID, taskID,
			"planning_failed", err.Error(), map[string]interface{}{"trigger": trigger}); aerr != nil {
			p.logger.Warn("failed to append planning failure",
				zap.String("task_id", taskID), zap.Error(aerr))
		}
		p.publish(events.PlanningFailed, workspaceID, taskID, map[string]interface{}{
			"error": err.Error(),
		})
		p.logger.Warn("planning failed",
			zap.String("task_id", taskID),
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		return
	}

	p.publish(events.PlanningCompleted, workspaceID, taskID, nil)
	p.logger.Info("planning completed",
		zap.String("task_id", taskID),
		zap.String("workspace_id", workspaceID))
}

// execute runs the guarded conversation: main turn under the guardrail
// timeout, an optional grace turn when a guardrail or turn limit cut
// the main turn short, and history compaction once a plan is saved.
func (p *Pipeline) execute(workspaceID, taskID string) error {
	run := newRunState(p.cfg.MaxToolCalls, p.cfg.MaxReadBytes)

	var sessMu sync.Mutex
	var active *session.Session
	holder := func() *session.Session {
		sessMu.Lock()
		defer sessMu.Unlock()
		return active
	}

	restore := p.registry.InstallPlan(taskID, contract.ModePlanning, func(payload registry.PlanPayload) error {
		if err := p.persistPlan(workspaceID, taskID, run, payload); err != nil {
			return err
		}
		// The agent must not keep working a task that is still queued.
		p.abortTurn(run, holder(), "plan saved")
		return nil
	})
	defer restore()

	openCtx, cancelOpen := context.WithTimeout(context.Background(), openTimeout)
	sess, prompt, err := p.manager.OpenPlanning(openCtx, workspaceID, taskID, p.cfg.MaxToolCalls)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open planning session: %w", err)
	}
	defer p.manager.Close(sess, "planning_finished")

	sessMu.Lock()
	active = sess
	sessMu.Unlock()

	unobserve := sess.Observe(func(event *sdk.Event) {
		p.observe(run, sess, event)
	})
	defer unobserve()

	turnCtx, cancelTurn := context.WithTimeout(context.Background(), openTimeout)
	err = p.manager.BeginTurn(turnCtx, sess, prompt)
	cancelTurn()
	if err != nil {
		return fmt.Errorf("send planning prompt: %w", err)
	}

	p.awaitTurn(run, sess, p.cfg.Timeout)

	if !run.isSaved() && run.needsGrace() {
		if err := p.graceTurn(run, sess); err != nil {
			p.logger.Warn("grace turn failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if !run.isSaved() {
		tripMessage, turnLimited, toolCalls, readBytes := run.snapshot()
		switch {
		case tripMessage != "":
			return fmt.Errorf("no plan saved: %s", tripMessage)
		case turnLimited:
			return errors.New("no plan saved: conversation hit its turn limit")
		default:
			return fmt.Errorf("agent finished without saving a plan (%d tool calls, %d bytes read)", toolCalls, readBytes)
		}
	}

	p.compact(sess, taskID)
	return nil
}

// awaitTurn blocks until the turn ends, an abort is initiated, or the
// deadline passes. A deadline is itself a guardrail: it trips the run
// and aborts the turn.
func (p *Pipeline) awaitTurn(run *runState, sess *session.Session, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-run.notify:
	case <-timer.C:
		run.tripTimeout("planning timed out after " + timeout.String())
		p.abortTurn(run, sess, "planning timeout")
	}
	if run.aborted() {
		p.settle(run)
	}
}

// settle gives an aborted turn a beat to flush its turn end so the next
// prompt does not race it.
func (p *Pipeline) settle(run *runState) {
	timer := time.NewTimer(p.cfg.Settle)
	defer timer.Stop()
	select {
	case <-run.notify:
	case <-timer.C:
	}
	for {
		select {
		case <-run.notify:
		default:
			return
		}
	}
}

// graceTurn gives the agent exactly one more prompt to call save_plan
// with whatever it has gathered.
func (p *Pipeline) graceTurn(run *runState, sess *session.Session) error {
	run.resetAbort()
	run.beginGrace()

	ctx, cancel := context.WithTimeout(context.Background(), graceTimeout)
	defer cancel()

	prompt, err := p.manager.PlanningGracePrompt(ctx, sess)
	if err != nil {
		return fmt.Errorf("render grace prompt: %w", err)
	}
	if err := p.manager.FollowUpTurn(ctx, sess, prompt); err != nil {
		return fmt.Errorf("grace turn: %w", err)
	}

	timer := time.NewTimer(graceTimeout)
	defer timer.Stop()
	select {
	case <-run.notify:
	case <-timer.C:
		p.abortTurn(run, sess, "grace turn timeout")
	}
	if run.aborted() {
		p.settle(run)
	}
	return nil
}

// observe is the guardrail accountant attached next to the manager's
// demultiplexer. It never blocks: aborts are claimed here and executed
// on their own goroutine.
func (p *Pipeline) observe(run *runState, sess *session.Session, event *sdk.Event) {
	switch event.Type {
	case sdk.EventToolExecutionStart:
		if event.ToolName != contract.ToolSavePlan && run.graceViolation() {
			p.abortTurn(run, sess, fmt.Sprintf("tool %s invoked during the save_plan grace turn", event.ToolName))
		}

	case sdk.EventToolExecutionEnd:
		if event.ToolName == contract.ToolSavePlan {
			return
		}
		if msg := run.recordToolCall(len(event.Output)); msg != "" {
			p.logger.Info("planning guardrail tripped",
				zap.String("task_id", sess.TaskID), zap.String("cause", msg))
			p.abortTurn(run, sess, msg)
		}

	case sdk.EventMessageEnd:
		if event.Message != nil && event.Message.Role == "assistant" {
			if event.Message.StopReason == sdk.StopLength || turnLimitPattern.MatchString(event.Message.Content) {
				run.markTurnLimited()
			}
		}

	case sdk.EventTurnEnd:
		if event.StopReason == sdk.StopLength {
			run.markTurnLimited()
		}
		run.wake()
	}
}

// abortTurn claims the abort for this turn and cancels the SDK turn off
// the event goroutine.
func (p *Pipeline) abortTurn(run *runState, sess *session.Session, cause string) {
	if sess == nil || !run.claimAbort(cause) {
		return
	}
	p.abortClaimed(sess)
	run.wake()
}

func (p *Pipeline) abortClaimed(sess *session.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := sess.Abort(ctx); err != nil {
			p.logger.Warn("planning abort failed",
				zap.String("task_id", sess.TaskID), zap.Error(err))
		}
	}()
}

// persistPlan is the save_plan sink: criteria normalization and the
// completed status flip happen inside the task service.
func (p *Pipeline) persistPlan(workspaceID, taskID string, run *runState, payload registry.PlanPayload) error {
	if !run.claimSave() {
		return errors.New("a plan was already saved for this planning run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	plan := &models.Plan{
		Goal:        payload.Goal,
		Steps:       payload.Steps,
		Validation:  payload.Validation,
		Cleanup:     payload.Cleanup,
		GeneratedAt: time.Now().UTC(),
	}
	if _, err := p.tasks.SavePlan(ctx, workspaceID, taskID, plan, payload.AcceptanceCriteria); err != nil {
		run.releaseSave()
		return fmt.Errorf("persist plan: %w", err)
	}
	p.logger.Info("plan saved",
		zap.String("task_id", taskID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("criteria", len(payload.AcceptanceCriteria)))
	return nil
}

// compact summarizes the planning history so a later execution session
// resumes from a small, relevant context. Failure is logged, not fatal.
func (p *Pipeline) compact(sess *session.Session, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CompactionTimeout)
	defer cancel()
	if err := sess.Compact(ctx, compactionDirective); err != nil {
		p.logger.Warn("post-planning compaction failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (p *Pipeline) publish(eventType, workspaceID, taskID string, extra map[string]interface{}) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":      taskID,
		"workspace_id": workspaceID,
	}
	for k, v := range extra {
		data[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	event := bus.NewEvent(eventType, "planning", data)
	if err := p.bus.Publish(ctx, events.BuildPlanningSubject(eventType, taskID), event); err != nil {
		p.logger.Error("failed to publish planning event",
			zap.String("event_type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

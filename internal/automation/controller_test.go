package automation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/agent/skills"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/db/dialect"
	"github.com/taskflow/taskflow/internal/events"
	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/session"
	"github.com/taskflow/taskflow/internal/task/models"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

type testEnv struct {
	tasks      *taskservice.Service
	manager    *session.Manager
	registry   *registry.Registry
	factory    *sdk.FakeFactory
	activity   *activity.Service
	bus        bus.EventBus
	controller *Controller
	ws         *v1.Workspace

	mu    sync.Mutex
	moves []*bus.Event
}

func newTestEnv(t *testing.T, defaults v1.EffectivePolicy) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "activity.db")
	writerDB, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerDB, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writerDB, dialect.SQLite3), sqlx.NewDb(readerDB, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	actStore, err := activity.NewStore(pool, dialect.SQLite3)
	require.NoError(t, err)
	act := activity.NewService(actStore, activity.NewStream(log), log)

	st := store.New(t.TempDir(), log)
	require.NoError(t, st.Load())

	eventBus := bus.NewMemoryEventBus(log)
	tasks := taskservice.NewService(st, eventBus, act, defaults, log)

	reg := registry.New()
	loader := skills.NewLoader(t.TempDir(), log)
	factory := sdk.NewFakeFactory()
	sessCfg := session.DefaultConfig()
	sessCfg.CollectTimeout = 2 * time.Second
	manager := session.NewManager(factory, tasks, act, reg, loader, sessCfg, log)

	ctrl := NewController(tasks, manager, act, eventBus, Config{KickBackoff: 30 * time.Millisecond}, log)
	manager.SetQueueKick(ctrl.Kick)
	t.Cleanup(ctrl.Close)

	env := &testEnv{
		tasks:      tasks,
		manager:    manager,
		registry:   reg,
		factory:    factory,
		activity:   act,
		bus:        eventBus,
		controller: ctrl,
	}
	_, err = eventBus.Subscribe(events.BuildTaskWildcardSubject(events.TaskMoved), func(ctx context.Context, event *bus.Event) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.moves = append(env.moves, event)
		return nil
	})
	require.NoError(t, err)

	ws, err := tasks.CreateWorkspace(context.Background(), &v1.CreateWorkspaceRequest{Name: "queue", Path: t.TempDir()})
	require.NoError(t, err)
	env.ws = ws
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.controller.Start(context.Background()))
}

func (e *testEnv) readyTask(t *testing.T, title string) *v1.Task {
	t.Helper()
	ctx := context.Background()
	task, err := e.tasks.CreateTask(ctx, e.ws.ID, &v1.CreateTaskRequest{
		Title:              title,
		AcceptanceCriteria: []string{"done"},
	})
	require.NoError(t, err)
	task, err = e.tasks.MoveTask(ctx, e.ws.ID, task.ID, v1.PhaseReady, "user", "triaged")
	require.NoError(t, err)
	return task
}

func (e *testEnv) backlogTask(t *testing.T, title string) *v1.Task {
	t.Helper()
	task, err := e.tasks.CreateTask(context.Background(), e.ws.ID, &v1.CreateTaskRequest{
		Title:              title,
		AcceptanceCriteria: []string{"done"},
	})
	require.NoError(t, err)
	return task
}

// completingConv scripts a conversation that does some work, signals
// task_complete, and then answers the summary turn.
func (e *testEnv) completingConv(t *testing.T, taskID string, work ...sdk.ScriptStep) *sdk.FakeConversation {
	t.Helper()
	first := []sdk.ScriptStep{
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.TextDeltaEvent("on it")),
	}
	first = append(first, work...)
	first = append(first,
		sdk.EmitStep(sdk.MessageEndEvent("assistant", "on it", nil)),
		sdk.EmitStep(sdk.ToolStartEvent("call-1", "task_complete", nil)),
		sdk.DoStep(func() {
			fn, _, ok := e.registry.Complete(taskID)
			if !ok {
				t.Error("task_complete slot not installed")
				return
			}
			if err := fn("did the thing"); err != nil {
				t.Errorf("task_complete callback: %v", err)
			}
		}),
		sdk.EmitStep(sdk.ToolEndEvent("call-1", "task_complete", "ok", false)),
		sdk.EmitStep(sdk.TurnEndEvent(1, sdk.StopEndTurn)),
	)
	summary := sdk.Turn(
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.MessageEndEvent("assistant", "Implemented and verified.", nil)),
		sdk.EmitStep(sdk.TurnEndEvent(2, sdk.StopEndTurn)),
	)
	return sdk.NewFakeConversation("", first, summary)
}

func (e *testEnv) waitForPhase(t *testing.T, taskID string, phase v1.TaskPhase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := e.tasks.GetTask(context.Background(), e.ws.ID, taskID)
		require.NoError(t, err)
		if task.Phase == phase {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := e.tasks.GetTask(context.Background(), e.ws.ID, taskID)
	require.NoError(t, err)
	t.Fatalf("task %s never reached %s, still %s", taskID, phase, task.Phase)
}

func (e *testEnv) phase(t *testing.T, taskID string) v1.TaskPhase {
	t.Helper()
	task, err := e.tasks.GetTask(context.Background(), e.ws.ID, taskID)
	require.NoError(t, err)
	return task.Phase
}

func (e *testEnv) waitForMove(t *testing.T, taskID, to, actor string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		for _, event := range e.moves {
			id, _ := event.Data["task_id"].(string)
			dst, _ := event.Data["to"].(string)
			by, _ := event.Data["actor"].(string)
			if id == taskID && dst == to && by == actor {
				e.mu.Unlock()
				return
			}
		}
		e.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no move of %s to %s by %s observed", taskID, to, actor)
}

func TestQueueRunsReadyTasksSerially(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ExecutingLimit: 1, ReadyToExecuting: true})
	env.start(t)

	first := env.readyTask(t, "add retries")
	second := env.readyTask(t, "add metrics")
	env.factory.Script(first.ID, env.completingConv(t, first.ID, sdk.SleepStep(50*time.Millisecond)))
	env.factory.Script(second.ID, env.completingConv(t, second.ID))

	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)

	env.waitForPhase(t, first.ID, v1.PhaseComplete, 3*time.Second)
	env.waitForPhase(t, second.ID, v1.PhaseComplete, 3*time.Second)

	status, err := env.controller.Status(context.Background(), env.ws.ID)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 0, status.ExecutingCount)
	assert.Empty(t, status.CurrentTaskID)
}

func TestQueueHonorsExecutingLimit(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ExecutingLimit: 1, ReadyToExecuting: true})
	env.start(t)

	started := make(chan struct{})
	release := make(chan struct{})
	first := env.readyTask(t, "long migration")
	second := env.readyTask(t, "quick fix")
	env.factory.Script(first.ID, env.completingConv(t, first.ID,
		sdk.DoStep(func() { close(started) }),
		sdk.DoStep(func() { <-release }),
	))
	env.factory.Script(second.ID, env.completingConv(t, second.ID))

	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, v1.PhaseExecuting, env.phase(t, first.ID))
	assert.Equal(t, v1.PhaseReady, env.phase(t, second.ID))
	status, err := env.controller.Status(context.Background(), env.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ExecutingCount)
	assert.Equal(t, first.ID, status.CurrentTaskID)

	close(release)
	env.waitForPhase(t, first.ID, v1.PhaseComplete, 3*time.Second)
	env.waitForPhase(t, second.ID, v1.PhaseComplete, 3*time.Second)
}

func TestPlanningCompletedPromotesBacklogTask(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{BacklogToReady: true})
	env.start(t)

	task := env.backlogTask(t, "design cache layer")
	publish := func() {
		event := bus.NewEvent(events.PlanningCompleted, "planning", map[string]interface{}{
			"task_id":      task.ID,
			"workspace_id": env.ws.ID,
		})
		require.NoError(t, env.bus.Publish(context.Background(),
			events.BuildPlanningSubject(events.PlanningCompleted, task.ID), event))
	}

	// Queue disabled: planning completion changes nothing.
	publish()
	assert.Equal(t, v1.PhaseBacklog, env.phase(t, task.ID))

	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)
	publish()
	assert.Equal(t, v1.PhaseReady, env.phase(t, task.ID))
}

func TestPromotionRespectsReadyLimit(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{BacklogToReady: true, ReadyLimit: 1})
	env.start(t)
	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)

	env.readyTask(t, "occupies the ready slot")
	blocked := env.backlogTask(t, "waits its turn")

	event := bus.NewEvent(events.PlanningCompleted, "planning", map[string]interface{}{
		"task_id":      blocked.ID,
		"workspace_id": env.ws.ID,
	})
	require.NoError(t, env.bus.Publish(context.Background(),
		events.BuildPlanningSubject(events.PlanningCompleted, blocked.ID), event))

	assert.Equal(t, v1.PhaseBacklog, env.phase(t, blocked.ID))
}

func TestAutoStartFailureReturnsTaskToReady(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ExecutingLimit: 1, ReadyToExecuting: true})
	env.start(t)

	task := env.readyTask(t, "doomed task")
	env.factory.FailOpen(task.ID, errors.New("agent binary not found"))

	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)

	env.waitForMove(t, task.ID, string(v1.PhaseReady), "automation", 2*time.Second)
	_, err = env.controller.StopQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)
	env.waitForPhase(t, task.ID, v1.PhaseReady, time.Second)

	entries, err := env.activity.TaskTimeline(context.Background(), env.ws.ID, task.ID, 50)
	require.NoError(t, err)
	found := false
	for _, entry := range entries {
		if kind, _ := entry.Metadata["kind"].(string); kind == "auto_start_failed" {
			found = true
			assert.Contains(t, entry.Content, "agent binary not found")
		}
	}
	assert.True(t, found, "auto_start_failed event not persisted")
}

func TestStopQueuePreservesRunningExecution(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ExecutingLimit: 1, ReadyToExecuting: true})
	env.start(t)

	started := make(chan struct{})
	release := make(chan struct{})
	running := env.readyTask(t, "in flight")
	waiting := env.readyTask(t, "never starts")
	env.factory.Script(running.ID, env.completingConv(t, running.ID,
		sdk.DoStep(func() { close(started) }),
		sdk.DoStep(func() { <-release }),
	))
	env.factory.Script(waiting.ID, env.completingConv(t, waiting.ID))

	_, err := env.controller.StartQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	status, err := env.controller.StopQueue(context.Background(), env.ws.ID)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Equal(t, v1.PhaseExecuting, env.phase(t, running.ID))

	close(release)
	env.waitForPhase(t, running.ID, v1.PhaseComplete, 3*time.Second)

	// Disabled queue ignores the completion kick.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, v1.PhaseReady, env.phase(t, waiting.ID))
	assert.False(t, env.manager.HasRunningSession(waiting.ID))
}

func TestPatchAutomationOverridesAndClears(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ReadyLimit: 2, BacklogToReady: true})
	env.start(t)
	ctx := context.Background()

	before, err := env.controller.AutomationStatus(ctx, env.ws.ID)
	require.NoError(t, err)
	assert.False(t, before.Enabled)
	assert.Nil(t, before.Override)
	assert.Equal(t, 2, before.Policy.ReadyLimit)

	enabled := true
	status, err := env.controller.PatchAutomation(ctx, env.ws.ID, &v1.PatchAutomationRequest{
		Enabled:        &enabled,
		ReadyLimit:     v1.Patch[int]{Present: true, Value: 5},
		BacklogToReady: v1.Patch[bool]{Present: true, Value: false},
	})
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	require.NotNil(t, status.Override)
	require.NotNil(t, status.Override.ReadyLimit)
	assert.Equal(t, 5, *status.Override.ReadyLimit)
	assert.Equal(t, 5, status.Policy.ReadyLimit)
	assert.False(t, status.Policy.BacklogToReady)

	// Nulls clear the override fields; an empty override collapses to nil.
	status, err = env.controller.PatchAutomation(ctx, env.ws.ID, &v1.PatchAutomationRequest{
		ReadyLimit:     v1.Patch[int]{Present: true, Null: true},
		BacklogToReady: v1.Patch[bool]{Present: true, Null: true},
	})
	require.NoError(t, err)
	assert.Nil(t, status.Override)
	assert.Equal(t, 2, status.Policy.ReadyLimit)
	assert.True(t, status.Policy.BacklogToReady)

	ws, err := env.tasks.GetWorkspaceRecord(ctx, env.ws.ID)
	require.NoError(t, err)
	assert.True(t, ws.QueueEnabled)
	assert.Nil(t, ws.WorkflowPolicy)
}

func TestBootKicksEnabledWorkspaces(t *testing.T) {
	env := newTestEnv(t, v1.EffectivePolicy{ExecutingLimit: 1, ReadyToExecuting: true})

	_, err := env.tasks.UpdateWorkspaceRecord(context.Background(), env.ws.ID, func(ws *models.Workspace) error {
		ws.QueueEnabled = true
		return nil
	})
	require.NoError(t, err)
	task := env.readyTask(t, "survives restart")
	env.factory.Script(task.ID, env.completingConv(t, task.ID))

	env.start(t)
	env.waitForPhase(t, task.ID, v1.PhaseComplete, 3*time.Second)
}

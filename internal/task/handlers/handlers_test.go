package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/agent/skills"
	"github.com/taskflow/taskflow/internal/automation"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/db"
	"github.com/taskflow/taskflow/internal/db/dialect"
	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/planning"
	"github.com/taskflow/taskflow/internal/session"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

type routerEnv struct {
	router     *gin.Engine
	dispatcher *ws.Dispatcher
	tasks      *taskservice.Service
	manager    *session.Manager
	registry   *registry.Registry
	factory    *sdk.FakeFactory
	activity   *activity.Service
	ws         *v1.Workspace
}

// newRouterEnv wires the full handler surface against real services: a
// sqlite activity store, the file-backed task store, a memory bus, and
// the scripted SDK factory.
func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	tasks := taskservice.NewService(st, eventBus, act, v1.EffectivePolicy{}, log)

	reg := registry.New()
	loader := skills.NewLoader(t.TempDir(), log)
	factory := sdk.NewFakeFactory()
	sessCfg := session.DefaultConfig()
	sessCfg.CollectTimeout = 2 * time.Second
	manager := session.NewManager(factory, tasks, act, reg, loader, sessCfg, log)

	planCfg := planning.DefaultConfig()
	planCfg.Timeout = 300 * time.Millisecond
	planCfg.CompactionTimeout = 300 * time.Millisecond
	planCfg.Settle = 50 * time.Millisecond
	pipeline := planning.NewPipeline(manager, tasks, act, reg, eventBus, planCfg, log)

	ctrl := automation.NewController(tasks, manager, act, eventBus, automation.Config{KickBackoff: 30 * time.Millisecond}, log)
	manager.SetQueueKick(ctrl.Kick)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Close)

	router := gin.New()
	dispatcher := ws.NewDispatcher()
	RegisterWorkspaceRoutes(router, dispatcher, tasks, log)
	RegisterTaskRoutes(router, dispatcher, tasks, log)
	RegisterAgentRoutes(router, tasks, manager, pipeline, log)
	RegisterActivityRoutes(router, tasks, act, manager, log)
	RegisterAutomationRoutes(router, dispatcher, ctrl, log)
	RegisterAttachmentRoutes(router, tasks, log)

	workspace, err := tasks.CreateWorkspace(context.Background(), &v1.CreateWorkspaceRequest{
		Name: "board",
		Path: t.TempDir(),
	})
	require.NoError(t, err)

	return &routerEnv{
		router:     router,
		dispatcher: dispatcher,
		tasks:      tasks,
		manager:    manager,
		registry:   reg,
		factory:    factory,
		activity:   act,
		ws:         workspace,
	}
}

// do sends a JSON request through the router and returns the recorder.
func (e *routerEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *routerEnv) doRaw(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func (e *routerEnv) tasksPath(parts ...string) string {
	path := "/api/v1/workspaces/" + e.ws.ID + "/tasks"
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

func (e *routerEnv) backlogTask(t *testing.T, title string) *v1.Task {
	t.Helper()
	task, err := e.tasks.CreateTask(context.Background(), e.ws.ID, &v1.CreateTaskRequest{
		Title:              title,
		AcceptanceCriteria: []string{"done"},
	})
	require.NoError(t, err)
	return task
}

func (e *routerEnv) readyTask(t *testing.T, title string) *v1.Task {
	t.Helper()
	task := e.backlogTask(t, title)
	moved, err := e.tasks.MoveTask(context.Background(), e.ws.ID, task.ID, v1.PhaseReady, "user", "triaged")
	require.NoError(t, err)
	return moved
}

func (e *routerEnv) phase(t *testing.T, taskID string) v1.TaskPhase {
	t.Helper()
	task, err := e.tasks.GetTask(context.Background(), e.ws.ID, taskID)
	require.NoError(t, err)
	return task.Phase
}

func (e *routerEnv) waitForPhase(t *testing.T, taskID string, phase v1.TaskPhase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.phase(t, taskID) == phase {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s, still %s", taskID, phase, e.phase(t, taskID))
}

func (e *routerEnv) waitForPlanningStatus(t *testing.T, taskID string, status v1.PlanningStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := e.tasks.GetTask(context.Background(), e.ws.ID, taskID)
		require.NoError(t, err)
		if task.PlanningStatus == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s planning status never settled on %s", taskID, status)
}

// completingConv scripts a conversation that does some work, signals
// task_complete, and then answers the summary turn.
func (e *routerEnv) completingConv(t *testing.T, taskID string) *sdk.FakeConversation {
	t.Helper()
	first := sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.TextDeltaEvent("on it")),
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

// blockingConv scripts a turn that signals started and then stalls until
// the session is aborted.
func blockingConv(started chan struct{}) *sdk.FakeConversation {
	return sdk.NewFakeConversation("", sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.DoStep(func() { close(started) }),
		sdk.SleepStep(10*time.Second),
	))
}

func wsRequest(t *testing.T, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	return msg
}

func TestWorkspaceEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	dir := t.TempDir()

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces", v1.CreateWorkspaceRequest{Name: "api", Path: dir})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created v1.Workspace
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "TF", created.IDPrefix)

	// Same path again is a conflict.
	rec = env.do(t, http.MethodPost, "/api/v1/workspaces", v1.CreateWorkspaceRequest{Name: "again", Path: dir})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workspaces", v1.CreateWorkspaceRequest{Name: "rel", Path: "not/absolute"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/workspaces", gin.H{"path": dir})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list v1.ListWorkspacesResponse
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Total)

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/workspaces/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack v1.SuccessResponse
	decode(t, rec, &ack)
	assert.True(t, ack.Success)

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskCRUDEndpoints(t *testing.T) {
	env := newRouterEnv(t)

	rec := env.do(t, http.MethodPost, env.tasksPath(), v1.CreateTaskRequest{
		Title:              "wire retries",
		AcceptanceCriteria: []string{"idempotent on replay"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var task v1.Task
	decode(t, rec, &task)
	assert.Equal(t, v1.PhaseBacklog, task.Phase)
	assert.True(t, strings.HasPrefix(task.ID, "TF-"), "id %q carries the workspace prefix", task.ID)

	rec = env.do(t, http.MethodPost, env.tasksPath(), gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, env.tasksPath(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list v1.ListTasksResponse
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, env.tasksPath("TF-999"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPatch, env.tasksPath(task.ID), gin.H{"title": "wire retries with backoff"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated v1.Task
	decode(t, rec, &updated)
	assert.Equal(t, "wire retries with backoff", updated.Title)
	assert.Equal(t, v1.PhaseBacklog, updated.Phase)

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "move"), v1.MoveTaskRequest{ToPhase: v1.PhaseReady})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var moved v1.Task
	decode(t, rec, &moved)
	assert.Equal(t, v1.PhaseReady, moved.Phase)
	require.Len(t, moved.History, 1)
	assert.Equal(t, "user", moved.History[0].Actor)

	// The state machine rejects ready -> backlog.
	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "move"), v1.MoveTaskRequest{ToPhase: v1.PhaseBacklog})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, env.tasksPath(task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskListScopes(t *testing.T) {
	env := newRouterEnv(t)
	keep := env.backlogTask(t, "stays active")
	gone := env.backlogTask(t, "gets archived")

	rec := env.do(t, http.MethodPost, env.tasksPath(gone.ID, "move"), v1.MoveTaskRequest{ToPhase: v1.PhaseArchived})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var list v1.ListTasksResponse
	rec = env.do(t, http.MethodGet, env.tasksPath(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, keep.ID, list.Tasks[0].ID)

	rec = env.do(t, http.MethodGet, env.tasksPath()+"?scope=archived", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, gone.ID, list.Tasks[0].ID)

	rec = env.do(t, http.MethodGet, env.tasksPath()+"?scope=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Total)

	rec = env.do(t, http.MethodGet, env.tasksPath()+"?scope=trash", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReorderRidesParamRoute(t *testing.T) {
	env := newRouterEnv(t)
	a := env.backlogTask(t, "a")
	b := env.backlogTask(t, "b")
	c := env.backlogTask(t, "c")

	rec := env.do(t, http.MethodPost, env.tasksPath("reorder"), v1.ReorderTasksRequest{
		Phase:   v1.PhaseBacklog,
		TaskIDs: []string{c.ID, a.ID, b.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list v1.ListTasksResponse
	decode(t, rec, &list)
	require.Equal(t, 3, list.Total)
	assert.Equal(t, c.ID, list.Tasks[0].ID)
	assert.Equal(t, a.ID, list.Tasks[1].ID)
	assert.Equal(t, b.ID, list.Tasks[2].ID)

	// Anything but the reorder verb on the collection POST is a miss.
	rec = env.do(t, http.MethodPost, env.tasksPath(a.ID), v1.ReorderTasksRequest{
		Phase:   v1.PhaseBacklog,
		TaskIDs: []string{a.ID, b.ID, c.ID},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An incomplete id set never reorders.
	rec = env.do(t, http.MethodPost, env.tasksPath("reorder"), v1.ReorderTasksRequest{
		Phase:   v1.PhaseBacklog,
		TaskIDs: []string{a.ID},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteEndpointDrivesTaskToCompletion(t *testing.T) {
	env := newRouterEnv(t)
	task := env.readyTask(t, "ship rate limiter")
	env.factory.Script(task.ID, env.completingConv(t, task.ID))

	rec := env.do(t, http.MethodPost, env.tasksPath(task.ID, "execute"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info v1.SessionInfo
	decode(t, rec, &info)
	assert.Equal(t, task.ID, info.TaskID)
	assert.Equal(t, env.ws.ID, info.WorkspaceID)
	assert.Equal(t, "execution", info.Purpose)

	env.waitForPhase(t, task.ID, v1.PhaseComplete, 3*time.Second)

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "summary"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary v1.TaskSummary
	decode(t, rec, &summary)
	assert.Equal(t, "Implemented and verified.", summary.Content)
}

func TestExecuteUndoesMoveWhenStartFails(t *testing.T) {
	env := newRouterEnv(t)
	task := env.readyTask(t, "doomed")
	env.factory.FailOpen(task.ID, errors.New("agent binary not found"))

	rec := env.do(t, http.MethodPost, env.tasksPath(task.ID, "execute"), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, v1.PhaseReady, env.phase(t, task.ID), "failed start returns the task to its prior phase")
}

func TestExecuteRejectsBacklogTask(t *testing.T) {
	env := newRouterEnv(t)
	task := env.backlogTask(t, "not groomed")

	rec := env.do(t, http.MethodPost, env.tasksPath(task.ID, "execute"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, v1.PhaseBacklog, env.phase(t, task.ID))
}

func TestStopEndpoint(t *testing.T) {
	env := newRouterEnv(t)
	task := env.readyTask(t, "long migration")
	started := make(chan struct{})
	env.factory.Script(task.ID, blockingConv(started))

	rec := env.do(t, http.MethodPost, env.tasksPath(task.ID, "execute"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "stop"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stopped v1.StopTaskResponse
	decode(t, rec, &stopped)
	assert.True(t, stopped.Stopped)
	assert.Equal(t, v1.PhaseExecuting, env.phase(t, task.ID), "stop leaves the phase alone")

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "stop"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &stopped)
	assert.False(t, stopped.Stopped)
}

func TestActivityPostAndTimelines(t *testing.T) {
	env := newRouterEnv(t)
	base := "/api/v1/workspaces/" + env.ws.ID + "/activity"

	rec := env.do(t, http.MethodPost, base, v1.PostActivityRequest{Content: "standup ping"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry v1.ActivityEntry
	decode(t, rec, &entry)
	assert.Equal(t, v1.RoleUser, entry.Role, "role defaults to user")
	assert.Equal(t, v1.EntryChatMessage, entry.EntryType)
	assert.Empty(t, entry.TaskID)

	task := env.backlogTask(t, "wire cache")
	rec = env.do(t, http.MethodPost, base, v1.PostActivityRequest{TaskID: task.ID, Content: "please use LRU"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var list v1.ListActivityResponse
	rec = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "please use LRU", list.Entries[0].Content, "newest first")
	assert.Equal(t, "standup ping", list.Entries[1].Content)

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "activity"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, task.ID, list.Entries[0].TaskID)

	rec = env.do(t, http.MethodGet, base+"?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "please use LRU", list.Entries[0].Content)

	rec = env.do(t, http.MethodGet, base+"?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, base+"?limit=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivityPostValidation(t *testing.T) {
	env := newRouterEnv(t)
	base := "/api/v1/workspaces/" + env.ws.ID + "/activity"

	rec := env.do(t, http.MethodPost, base, v1.PostActivityRequest{Content: "x", Role: "system"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base, gin.H{"role": "agent"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "content is required")

	rec = env.do(t, http.MethodPost, "/api/v1/workspaces/ghost/activity", v1.PostActivityRequest{Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, base, v1.PostActivityRequest{TaskID: "TF-404", Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityRoutingFailureLandsOnTimeline(t *testing.T) {
	env := newRouterEnv(t)
	task := env.backlogTask(t, "unreachable agent")
	env.factory.FailOpen(task.ID, errors.New("model endpoint down"))

	rec := env.do(t, http.MethodPost, "/api/v1/workspaces/"+env.ws.ID+"/activity",
		v1.PostActivityRequest{TaskID: task.ID, Content: "kick it off"})
	require.Equal(t, http.StatusCreated, rec.Code, "the message is persisted even when routing fails")

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "activity"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list v1.ListActivityResponse
	decode(t, rec, &list)

	found := false
	for _, entry := range list.Entries {
		if kind, _ := entry.Metadata["kind"].(string); kind == "message_routing_failed" {
			found = true
			assert.Contains(t, entry.Content, "model endpoint down")
		}
	}
	assert.True(t, found, "routing failure not recorded as a system event")
}

func TestAutomationEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	base := "/api/v1/workspaces/" + env.ws.ID + "/automation"

	rec := env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status v1.AutomationStatus
	decode(t, rec, &status)
	assert.False(t, status.Enabled)
	assert.Nil(t, status.Override)

	rec = env.do(t, http.MethodPatch, base, gin.H{"enabled": true, "readyLimit": 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &status)
	assert.True(t, status.Enabled)
	require.NotNil(t, status.Override)
	require.NotNil(t, status.Override.ReadyLimit)
	assert.Equal(t, 3, *status.Override.ReadyLimit)
	assert.Equal(t, 3, status.Policy.ReadyLimit)

	// An explicit null clears the override.
	rec = env.do(t, http.MethodPatch, base, gin.H{"readyLimit": nil})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &status)
	assert.True(t, status.Enabled)
	assert.Nil(t, status.Override)
	assert.Equal(t, 0, status.Policy.ReadyLimit)

	rec = env.do(t, http.MethodGet, "/api/v1/workspaces/ghost/automation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	base := "/api/v1/workspaces/" + env.ws.ID + "/queue"

	rec := env.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status v1.QueueStatus
	decode(t, rec, &status)
	assert.True(t, status.Enabled)

	env.readyTask(t, "waits in line")
	rec = env.do(t, http.MethodPost, base+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.ReadyCount)
	assert.Equal(t, 0, status.ExecutingCount)

	rec = env.do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.False(t, status.Enabled)

	rec = env.do(t, http.MethodPost, "/api/v1/workspaces/ghost/queue/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanningEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	task := env.backlogTask(t, "design cache layer")

	rec := env.do(t, http.MethodPost, env.tasksPath(task.ID, "plan", "regenerate"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted v1.Task
	decode(t, rec, &accepted)
	assert.Equal(t, v1.PlanningRunning, accepted.PlanningStatus)

	// A second kick while the run is live conflicts.
	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "acceptance-criteria", "regenerate"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The unscripted conversation never saves a plan, so the run settles
	// on error once the turn budget expires.
	env.waitForPlanningStatus(t, task.ID, v1.PlanningError, 3*time.Second)

	rec = env.do(t, http.MethodPost, env.tasksPath("TF-404", "plan", "regenerate"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummaryEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	fresh := env.backlogTask(t, "no summary yet")
	rec := env.do(t, http.MethodGet, env.tasksPath(fresh.ID, "summary"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, env.tasksPath(fresh.ID, "summary", "generate"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "no previous conversation to resume")

	task := env.readyTask(t, "rework the parser")
	started := make(chan struct{})
	env.factory.Script(task.ID, blockingConv(started))
	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "execute"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "summary", "generate"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "live session blocks regeneration")

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "stop"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "summary", "generate"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "stopped session left no resume handle")

	require.NoError(t, env.tasks.SetSessionFile(ctx, env.ws.ID, task.ID, filepath.Join(t.TempDir(), "prior.jsonl")))
	env.factory.Script(task.ID, sdk.NewFakeConversation("", sdk.Turn(
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.MessageEndEvent("assistant", "Reworked the parser and added regression coverage.", nil)),
		sdk.EmitStep(sdk.TurnEndEvent(1, sdk.StopEndTurn)),
	)))

	rec = env.do(t, http.MethodPost, env.tasksPath(task.ID, "summary", "generate"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary v1.TaskSummary
	decode(t, rec, &summary)
	assert.Equal(t, "Reworked the parser and added regression coverage.", summary.Content)

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "summary"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &summary)
	assert.Equal(t, "Reworked the parser and added regression coverage.", summary.Content)
}

func TestAttachmentEndpoints(t *testing.T) {
	env := newRouterEnv(t)
	task := env.backlogTask(t, "carries a sketch")
	content := "design sketch\nsecond line\n"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := env.doRaw(t, http.MethodPost, env.tasksPath(task.ID, "attachments"), &buf, w.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var att v1.Attachment
	decode(t, rec, &att)
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(len(content)), att.Size)
	require.NotEmpty(t, att.StoredName)

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "attachments", att.StoredName), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.String())

	rec = env.do(t, http.MethodGet, env.tasksPath(task.ID, "attachments", "ghost.txt"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Multipart bodies without the file field are rejected.
	var empty bytes.Buffer
	w = multipart.NewWriter(&empty)
	require.NoError(t, w.WriteField("note", "x"))
	require.NoError(t, w.Close())
	rec = env.doRaw(t, http.MethodPost, env.tasksPath(task.ID, "attachments"), &empty, w.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var again bytes.Buffer
	w = multipart.NewWriter(&again)
	part, err = w.CreateFormFile("file", "late.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	rec = env.doRaw(t, http.MethodPost, env.tasksPath("TF-404", "attachments"), &again, w.FormDataContentType())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketBoardActions(t *testing.T) {
	env := newRouterEnv(t)
	env.backlogTask(t, "visible over ws")
	ctx := context.Background()

	resp, err := env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionWorkspaceList, nil))
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var workspaces v1.ListWorkspacesResponse
	require.NoError(t, resp.ParsePayload(&workspaces))
	assert.Equal(t, 1, workspaces.Total)

	resp, err = env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionTaskList, gin.H{}))
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var fail ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&fail))
	assert.Equal(t, ws.ErrorCodeValidation, fail.Code)

	resp, err = env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionTaskList, gin.H{"workspaceId": env.ws.ID}))
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var tasks v1.ListTasksResponse
	require.NoError(t, resp.ParsePayload(&tasks))
	assert.Equal(t, 1, tasks.Total)

	resp, err = env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionTaskList, gin.H{"workspaceId": env.ws.ID, "scope": "trash"}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)
}

func TestWebSocketQueueStatus(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	resp, err := env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionQueueStatus, gin.H{}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	resp, err = env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionQueueStatus, gin.H{"workspaceId": "ghost"}))
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var fail ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&fail))
	assert.Equal(t, ws.ErrorCodeNotFound, fail.Code)

	resp, err = env.dispatcher.Dispatch(ctx, wsRequest(t, ws.ActionQueueStatus, gin.H{"workspaceId": env.ws.ID}))
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var status v1.QueueStatus
	require.NoError(t, resp.ParsePayload(&status))
	assert.Equal(t, env.ws.ID, status.WorkspaceID)
	assert.False(t, status.Enabled)
}

// Package integration boots the whole server stack behind an httptest
// listener and drives it the way a board client would: REST for CRUD
// and lifecycle calls, the WebSocket for live workspace streams. Agent
// turns come from the scripted conversation backend, so every journey
// runs without a real harness installed.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
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
	gateways "github.com/taskflow/taskflow/internal/gateway/websocket"
	"github.com/taskflow/taskflow/internal/planning"
	"github.com/taskflow/taskflow/internal/session"
	"github.com/taskflow/taskflow/internal/task/handlers"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// TestServer holds the running stack and its services.
type TestServer struct {
	Server     *httptest.Server
	Gateway    *gateways.Gateway
	Tasks      *taskservice.Service
	Activity   *activity.Service
	Manager    *session.Manager
	Planner    *planning.Pipeline
	Automation *automation.Controller
	Registry   *registry.Registry
	Factory    *sdk.FakeFactory
	EventBus   bus.EventBus
	Logger     *logger.Logger
	DataDir    string
	cancelFunc context.CancelFunc
}

// serverConfig tunes the stack for one scenario. The zero policy keeps
// both automation transitions off; queue journeys enable the ones they
// exercise.
type serverConfig struct {
	policy   v1.EffectivePolicy
	watchdog session.WatchdogConfig
}

// defaultServerConfig keeps watchdogs tight enough that a wedged
// journey fails the test instead of hanging, and loose enough that
// healthy flows never trip them.
func defaultServerConfig() serverConfig {
	return serverConfig{
		watchdog: session.WatchdogConfig{
			NoFirstEvent:  10 * time.Second,
			StreamSilence: 10 * time.Second,
			ToolExecution: 10 * time.Second,
			PostTool:      10 * time.Second,
			MaxTurn:       30 * time.Second,
		},
	}
}

// NewTestServer wires the stack the way cmd/taskflow does, swapping the
// agent harness for the scripted backend and the listener for httptest.
func NewTestServer(t *testing.T, cfg serverConfig) *TestServer {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	eventBus := bus.NewMemoryEventBus(log)

	dbPath := filepath.Join(t.TempDir(), "activity.db")
	writerDB, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerDB, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writerDB, dialect.SQLite3), sqlx.NewDb(readerDB, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	actStore, err := activity.NewStore(pool, dialect.SQLite3)
	require.NoError(t, err)
	stream := activity.NewStream(log)
	act := activity.NewService(actStore, stream, log)

	dataDir := t.TempDir()
	st := store.New(dataDir, log)
	require.NoError(t, st.Load())
	tasks := taskservice.NewService(st, eventBus, act, cfg.policy, log)

	reg := registry.New()
	loader := skills.NewLoader(dataDir, log)
	factory := sdk.NewFakeFactory()

	sessCfg := session.DefaultConfig()
	sessCfg.Watchdog = cfg.watchdog
	sessCfg.CollectTimeout = 2 * time.Second
	manager := session.NewManager(factory, tasks, act, reg, loader, sessCfg, log)

	planCfg := planning.DefaultConfig()
	planCfg.Timeout = 5 * time.Second
	planCfg.CompactionTimeout = time.Second
	planCfg.Settle = 50 * time.Millisecond
	pipeline := planning.NewPipeline(manager, tasks, act, reg, eventBus, planCfg, log)

	ctrl := automation.NewController(tasks, manager, act, eventBus, automation.Config{
		KickBackoff: 100 * time.Millisecond,
	}, log)
	manager.SetQueueKick(ctrl.Kick)
	require.NoError(t, ctrl.Start(ctx))

	gateway := gateways.NewGateway(stream, log)
	go gateway.Hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gateway.SetupRoutes(router)
	handlers.RegisterWorkspaceRoutes(router, gateway.Dispatcher, tasks, log)
	handlers.RegisterTaskRoutes(router, gateway.Dispatcher, tasks, log)
	handlers.RegisterAgentRoutes(router, tasks, manager, pipeline, log)
	handlers.RegisterActivityRoutes(router, tasks, act, manager, log)
	handlers.RegisterAutomationRoutes(router, gateway.Dispatcher, ctrl, log)
	handlers.RegisterAttachmentRoutes(router, tasks, log)

	server := httptest.NewServer(router)

	return &TestServer{
		Server:     server,
		Gateway:    gateway,
		Tasks:      tasks,
		Activity:   act,
		Manager:    manager,
		Planner:    pipeline,
		Automation: ctrl,
		Registry:   reg,
		Factory:    factory,
		EventBus:   eventBus,
		Logger:     log,
		DataDir:    dataDir,
		cancelFunc: cancel,
	}
}

// Close shuts down the test server.
func (ts *TestServer) Close() {
	ts.Automation.Close()
	ts.cancelFunc()
	ts.Server.Close()
	ts.EventBus.Close()
}

// request issues one JSON call against the server and decodes a 2xx
// body into out when out is non-nil. Callers assert on the returned
// status code.
func (ts *TestServer) request(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out), "response body: %s", data)
	}
	return resp.StatusCode
}

func (ts *TestServer) createWorkspace(t *testing.T, name string) *v1.Workspace {
	t.Helper()
	var ws v1.Workspace
	code := ts.request(t, http.MethodPost, "/api/v1/workspaces",
		v1.CreateWorkspaceRequest{Name: name, Path: t.TempDir()}, &ws)
	require.Equal(t, http.StatusCreated, code)
	return &ws
}

func (ts *TestServer) createTask(t *testing.T, workspaceID string, req v1.CreateTaskRequest) *v1.Task {
	t.Helper()
	var task v1.Task
	code := ts.request(t, http.MethodPost, "/api/v1/workspaces/"+workspaceID+"/tasks", req, &task)
	require.Equal(t, http.StatusCreated, code)
	return &task
}

// readyTask creates a task with one acceptance criterion and moves it
// into ready, the launch position for execution journeys.
func (ts *TestServer) readyTask(t *testing.T, workspaceID, title string) *v1.Task {
	t.Helper()
	task := ts.createTask(t, workspaceID, v1.CreateTaskRequest{
		Title:              title,
		AcceptanceCriteria: []string{"behavior covered by a test"},
	})
	return ts.moveTask(t, workspaceID, task.ID, v1.PhaseReady, "triaged")
}

func (ts *TestServer) moveTask(t *testing.T, workspaceID, taskID string, phase v1.TaskPhase, reason string) *v1.Task {
	t.Helper()
	var task v1.Task
	code := ts.request(t, http.MethodPost,
		"/api/v1/workspaces/"+workspaceID+"/tasks/"+taskID+"/move",
		v1.MoveTaskRequest{ToPhase: phase, Reason: reason}, &task)
	require.Equal(t, http.StatusOK, code)
	return &task
}

func (ts *TestServer) getTask(t *testing.T, workspaceID, taskID string) *v1.Task {
	t.Helper()
	var task v1.Task
	code := ts.request(t, http.MethodGet, "/api/v1/workspaces/"+workspaceID+"/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, code)
	return &task
}

func (ts *TestServer) executeTask(t *testing.T, workspaceID, taskID string) v1.SessionInfo {
	t.Helper()
	var info v1.SessionInfo
	code := ts.request(t, http.MethodPost,
		"/api/v1/workspaces/"+workspaceID+"/tasks/"+taskID+"/execute", nil, &info)
	require.Equal(t, http.StatusOK, code)
	return info
}

func (ts *TestServer) stopTask(t *testing.T, workspaceID, taskID string) bool {
	t.Helper()
	var resp v1.StopTaskResponse
	code := ts.request(t, http.MethodPost,
		"/api/v1/workspaces/"+workspaceID+"/tasks/"+taskID+"/stop", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	return resp.Stopped
}

func (ts *TestServer) taskTimeline(t *testing.T, workspaceID, taskID string) []*v1.ActivityEntry {
	t.Helper()
	var resp v1.ListActivityResponse
	code := ts.request(t, http.MethodGet,
		"/api/v1/workspaces/"+workspaceID+"/tasks/"+taskID+"/activity", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	return resp.Entries
}

// waitForPhase polls the task over HTTP until it reaches the phase.
func (ts *TestServer) waitForPhase(t *testing.T, workspaceID, taskID string, phase v1.TaskPhase, timeout time.Duration) *v1.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task := ts.getTask(t, workspaceID, taskID)
		if task.Phase == phase {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, wanted %s", taskID, task.Phase, phase)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// waitForPlanning polls the task over HTTP until its planning run
// reaches the status.
func (ts *TestServer) waitForPlanning(t *testing.T, workspaceID, taskID string, status v1.PlanningStatus, timeout time.Duration) *v1.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task := ts.getTask(t, workspaceID, taskID)
		if task.PlanningStatus == status {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s planning stuck in %s, wanted %s", taskID, task.PlanningStatus, status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// waitForRelease polls until the task's session left the registry.
func (ts *TestServer) waitForRelease(t *testing.T, taskID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ts.Manager.Active(taskID) == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session for %s never torn down", taskID)
}

// completingConv scripts one work turn that streams, signals
// task_complete mid-turn, and answers the summary turn the completion
// protocol collects.
func (ts *TestServer) completingConv(t *testing.T, taskID, summary string) *sdk.FakeConversation {
	t.Helper()
	work := sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.TextDeltaEvent("on it")),
		sdk.EmitStep(sdk.MessageEndEvent("assistant", "on it", nil)),
		sdk.EmitStep(sdk.ToolStartEvent("call-1", "task_complete", nil)),
		sdk.DoStep(func() {
			fn, _, ok := ts.Registry.Complete(taskID)
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
	summaryTurn := sdk.Turn(
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.MessageEndEvent("assistant", summary, nil)),
		sdk.EmitStep(sdk.TurnEndEvent(2, sdk.StopEndTurn)),
	)
	return sdk.NewFakeConversation("", work, summaryTurn)
}

// savePlanConv scripts a planning run that reads a little and saves the
// plan mid-turn, the way the tool bridge would deliver a save_plan call.
func (ts *TestServer) savePlanConv(t *testing.T, taskID string, payload registry.PlanPayload) *sdk.FakeConversation {
	t.Helper()
	return sdk.NewFakeConversation("", sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.ToolEndEvent("p1", "read_file", "package api", false)),
		sdk.DoStep(func() {
			fn, _, ok := ts.Registry.Plan(taskID)
			if !ok {
				t.Error("save_plan slot not installed")
				return
			}
			if err := fn(payload); err != nil {
				t.Errorf("save_plan callback: %v", err)
			}
		}),
		sdk.SleepStep(200*time.Millisecond),
	))
}

// replyConv scripts a single chat turn answering with the given text.
func replyConv(sessionFile, reply string) *sdk.FakeConversation {
	return sdk.NewFakeConversation(sessionFile, sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.EmitStep(sdk.MessageEndEvent("assistant", reply, nil)),
		sdk.EmitStep(sdk.TurnEndEvent(1, sdk.StopEndTurn)),
	))
}

// blockingConv scripts a turn that opens a stream, reports in, and then
// hangs until the turn is aborted.
func blockingConv(sessionFile string, started chan struct{}) *sdk.FakeConversation {
	return sdk.NewFakeConversation(sessionFile, sdk.Turn(
		sdk.EmitStep(sdk.AgentStartEvent()),
		sdk.EmitStep(sdk.MessageStartEvent("assistant")),
		sdk.DoStep(func() { close(started) }),
		sdk.SleepStep(10*time.Second),
	))
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scripted turn never started")
	}
}

func systemEvent(entries []*v1.ActivityEntry, kind string) (*v1.ActivityEntry, bool) {
	for _, entry := range entries {
		if entry.EntryType != v1.EntrySystemEvent {
			continue
		}
		if k, _ := entry.Metadata["kind"].(string); k == kind {
			return entry, true
		}
	}
	return nil, false
}

func chatMessage(entries []*v1.ActivityEntry, role, content string) (*v1.ActivityEntry, bool) {
	for _, entry := range entries {
		if entry.EntryType == v1.EntryChatMessage && entry.Role == role && entry.Content == content {
			return entry, true
		}
	}
	return nil, false
}

func countEntryType(entries []*v1.ActivityEntry, entryType string) int {
	n := 0
	for _, entry := range entries {
		if entry.EntryType == entryType {
			n++
		}
	}
	return n
}

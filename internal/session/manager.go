package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/agent/skills"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/common/tracing"
	"github.com/taskflow/taskflow/internal/task/models"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

var (
	ErrSessionActive   = errors.New("session already active")
	ErrNoActiveSession = errors.New("no active session")
)

// Config tunes the session manager.
type Config struct {
	Watchdog          WatchdogConfig
	EchoDedupWindow   time.Duration
	HeartbeatInterval time.Duration
	// CollectTimeout bounds completion-flow turns (skills, summary).
	CollectTimeout time.Duration
	// Thinking levels applied when a task carries no model config.
	DefaultThinkingLevel  string
	PlanningThinkingLevel string
}

func DefaultConfig() Config {
	return Config{
		Watchdog:              DefaultWatchdogConfig(),
		EchoDedupWindow:       2500 * time.Millisecond,
		HeartbeatInterval:     15 * time.Second,
		CollectTimeout:        120 * time.Second,
		DefaultThinkingLevel:  "medium",
		PlanningThinkingLevel: "low",
	}
}

// Manager owns the session registry and every conversation lifecycle.
type Manager struct {
	factory  sdk.Factory
	tasks    *taskservice.Service
	activity *activity.Service
	registry *registry.Registry
	skills   *skills.Loader
	cfg      Config
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	lockMu    sync.Mutex
	taskLocks map[string]*sync.Mutex

	// onQueueKick, when set, is invoked after a session completes so the
	// automation controller can start the next queued task.
	kickMu      sync.Mutex
	onQueueKick func(workspaceID string)
}

func NewManager(factory sdk.Factory, tasks *taskservice.Service, act *activity.Service, reg *registry.Registry, loader *skills.Loader, cfg Config, log *logger.Logger) *Manager {
	if cfg.EchoDedupWindow <= 0 {
		cfg.EchoDedupWindow = 2500 * time.Millisecond
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 120 * time.Second
	}
	return &Manager{
		factory:   factory,
		tasks:     tasks,
		activity:  act,
		registry:  reg,
		skills:    loader,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		sessions:  make(map[string]*Session),
		taskLocks: make(map[string]*sync.Mutex),
	}
}

// SetQueueKick wires the automation controller's kick entry point.
func (m *Manager) SetQueueKick(fn func(workspaceID string)) {
	m.kickMu.Lock()
	m.onQueueKick = fn
	m.kickMu.Unlock()
}

func (m *Manager) queueKick(workspaceID string) {
	m.kickMu.Lock()
	fn := m.onQueueKick
	m.kickMu.Unlock()
	if fn != nil {
		fn(workspaceID)
	}
}

// Active returns the registered session for a task, nil when absent.
func (m *Manager) Active(taskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[taskID]
}

// HasRunningSession reports whether a task has a live session. Used by
// the automation controller when picking queue candidates.
func (m *Manager) HasRunningSession(taskID string) bool {
	return m.Active(taskID) != nil
}

// Sessions snapshots every registered session.
func (m *Manager) Sessions() []*v1.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]*v1.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// taskLock serializes manager operations per task id.
func (m *Manager) taskLock(taskID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.taskLocks[taskID] = lock
	}
	return lock
}

// OpenOptions configure session creation.
type OpenOptions struct {
	Purpose               sdk.Purpose
	ForceNewSession       bool
	RequireExisting       bool
	DisableAutoRetry      bool
	DisableAutoCompaction bool
	ArmWatchdogs          bool
	OnComplete            CompletionFunc
}

// Open tears down any previous session for the task, opens a
// conversation through the factory (resuming when the task carries a
// session file), registers the new session, and persists a newly minted
// session handle. The caller sends the first prompt via BeginTurn.
func (m *Manager) Open(ctx context.Context, ws *models.Workspace, task *models.Task, opts OpenOptions) (*Session, error) {
	ctx, span := tracing.Tracer("taskflow-session").Start(ctx, "session.Open")
	defer span.End()

	lock := m.taskLock(task.ID)
	lock.Lock()
	defer lock.Unlock()

	if prev := m.Active(task.ID); prev != nil {
		m.teardown(prev, "replaced")
	}

	modelCfg := task.ExecutionModelConfig
	if opts.Purpose == sdk.PurposePlanning {
		modelCfg = task.PlanningModelConfig
	}

	sdkOpts := sdk.OpenOptions{
		WorkspacePath:          ws.Path,
		TaskID:                 task.ID,
		Purpose:                opts.Purpose,
		RequireExistingSession: opts.RequireExisting,
		ForceNewSession:        opts.ForceNewSession,
		DisableAutoRetry:       opts.DisableAutoRetry,
		DisableAutoCompaction:  opts.DisableAutoCompaction,
	}
	if !opts.ForceNewSession {
		sdkOpts.SessionFile = task.SessionFile
	}
	if modelCfg != nil {
		sdkOpts.Model = modelCfg.Model
		sdkOpts.ThinkingLevel = modelCfg.ThinkingLevel
		sdkOpts.MaxTurns = modelCfg.MaxTurns
	}
	if sdkOpts.ThinkingLevel == "" {
		sdkOpts.ThinkingLevel = m.cfg.DefaultThinkingLevel
		if opts.Purpose == sdk.PurposePlanning {
			sdkOpts.ThinkingLevel = m.cfg.PlanningThinkingLevel
		}
	}

	conv, err := m.factory.Open(ctx, sdkOpts)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		WorkspaceID: ws.ID,
		Purpose:     opts.Purpose,
		Mode:        contract.DeriveMode(opts.Purpose, task.Phase),
		conv:        conv,
		startedAt:   time.Now().UTC(),
		status:      v1.SessionIdle,
		onComplete:  opts.OnComplete,
	}
	if opts.ArmWatchdogs {
		sess.watchdogs = newWatchdogSet(m.cfg.Watchdog, func(phase string) {
			m.recoverStalled(sess, phase)
		})
	}
	sess.unsubscribe = conv.Subscribe(func(event *sdk.Event) {
		m.handleEvent(sess, event)
	})

	if handle := conv.SessionFile(); handle != "" && handle != task.SessionFile {
		if err := m.tasks.SetSessionFile(ctx, ws.ID, task.ID, handle); err != nil {
			m.logger.Error("failed to persist session file",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.sessions[task.ID] = sess
	m.mu.Unlock()

	if opts.Purpose == sdk.PurposeExecution {
		m.startHeartbeat(sess)
	}

	m.logger.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.String("task_id", task.ID),
		zap.String("workspace_id", ws.ID),
		zap.String("purpose", string(opts.Purpose)),
		zap.String("mode", string(sess.Mode)))

	return sess, nil
}

// BeginTurn starts a conversation turn: resets per-turn state, arms the
// turn watchdogs, and sends the prompt.
func (m *Manager) BeginTurn(ctx context.Context, sess *Session, prompt string) error {
	turn := sess.beginTurn()
	if sess.watchdogs != nil {
		sess.watchdogs.arm(stallNoFirstEvent)
		sess.watchdogs.arm(stallMaxTurn)
	}
	if err := sess.conv.Prompt(ctx, prompt); err != nil {
		if sess.watchdogs != nil {
			sess.watchdogs.disarmTurn()
		}
		sess.endTurn()
		return fmt.Errorf("prompt turn %d: %w", turn, err)
	}
	return nil
}

// FollowUpTurn continues the conversation with a new user message.
func (m *Manager) FollowUpTurn(ctx context.Context, sess *Session, text string) error {
	turn := sess.beginTurn()
	if sess.watchdogs != nil {
		sess.watchdogs.arm(stallNoFirstEvent)
		sess.watchdogs.arm(stallMaxTurn)
	}
	if err := sess.conv.FollowUp(ctx, text); err != nil {
		if sess.watchdogs != nil {
			sess.watchdogs.disarmTurn()
		}
		sess.endTurn()
		return fmt.Errorf("follow up turn %d: %w", turn, err)
	}
	return nil
}

// Stop aborts the task's session: the SDK turn is aborted, completion
// is suppressed, callbacks are cleaned, and the session leaves the
// registry marked paused.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.Active(taskID)
	if sess == nil {
		return ErrNoActiveSession
	}

	sess.clearOnComplete()
	if err := sess.conv.Abort(ctx); err != nil {
		m.logger.Warn("abort on stop failed", zap.String("task_id", taskID), zap.Error(err))
	}
	sess.setStatus(v1.SessionPaused)
	m.teardown(sess, "stopped")

	m.broadcastStatus(sess, v1.StatusIdle, "")
	m.logger.Info("session stopped",
		zap.String("session_id", sess.ID), zap.String("task_id", taskID))
	return nil
}

// Close tears the session down without touching task state. The
// registered completion callback will not fire; callers own whatever
// outcome semantics apply. Safe to call on an already replaced session.
func (m *Manager) Close(sess *Session, reason string) {
	lock := m.taskLock(sess.TaskID)
	lock.Lock()
	defer lock.Unlock()

	sess.clearOnComplete()
	m.teardown(sess, reason)
}

// teardown detaches the session from everything it holds: subscription,
// watchdogs, registry slots, heartbeat, lease, the registry map, and
// finally the conversation itself. Idempotent via markClosed.
func (m *Manager) teardown(sess *Session, reason string) {
	if !sess.markClosed() {
		return
	}

	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	if sess.watchdogs != nil {
		sess.watchdogs.stop()
	}
	if restore := sess.takeTurnRestore(); restore != nil {
		restore()
	}
	sess.mu.Lock()
	restores := sess.restores
	sess.restores = nil
	heartbeat := sess.heartbeatStop
	sess.heartbeatStop = nil
	sess.mu.Unlock()
	for _, restore := range restores {
		restore()
	}
	if heartbeat != nil {
		close(heartbeat)
	}
	if sess.Purpose == sdk.PurposeExecution {
		if err := m.tasks.Store().ClearLease(sess.WorkspaceID); err != nil {
			m.logger.Warn("failed to clear execution lease",
				zap.String("workspace_id", sess.WorkspaceID), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.sessions[sess.TaskID] == sess {
		delete(m.sessions, sess.TaskID)
	}
	m.mu.Unlock()

	go func() {
		if err := sess.conv.Close(); err != nil {
			m.logger.Debug("conversation close", zap.Error(err))
		}
	}()

	m.logger.Debug("session torn down",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.TaskID),
		zap.String("reason", reason))
}

// addRestore records a registry restore to run at teardown.
func (m *Manager) addRestore(sess *Session, restore func()) {
	sess.mu.Lock()
	sess.restores = append(sess.restores, restore)
	sess.mu.Unlock()
}

// recoverStalled is the single watchdog recovery action. The session
// goes idle, never error, so the user can pick the conversation back up.
func (m *Manager) recoverStalled(sess *Session, stallPhase string) {
	if !sess.markRecovered() {
		return
	}
	if m.Active(sess.TaskID) != sess {
		return
	}

	m.logger.Warn("watchdog recovered stalled session",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.TaskID),
		zap.String("stall_phase", stallPhase))

	ctx := context.Background()
	if _, err := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID,
		"watchdog_stall",
		fmt.Sprintf("agent stalled (%s); session recovered to idle", stallPhase),
		map[string]interface{}{"stallPhase": stallPhase, "sessionId": sess.ID},
	); err != nil {
		m.logger.Error("failed to persist stall event", zap.Error(err))
	}

	sess.clearOnComplete()
	sess.setStatus(v1.SessionIdle)
	sess.endTurn()

	m.broadcastStatus(sess, v1.StatusIdle, "")
	m.activity.Broadcast(sess.WorkspaceID, activity.KindTurnEnd, &v1.TurnEndEvent{TaskID: sess.TaskID})

	go func() {
		abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.conv.Abort(abortCtx); err != nil {
			m.logger.Debug("abort after stall", zap.Error(err))
		}
	}()

	m.teardown(sess, "watchdog:"+stallPhase)
}

// startHeartbeat writes the execution lease and refreshes it until
// teardown closes the stop channel.
func (m *Manager) startHeartbeat(sess *Session) {
	stop := make(chan struct{})
	sess.mu.Lock()
	sess.heartbeatStop = stop
	sess.mu.Unlock()

	write := func() {
		lease := &models.ExecutionLease{
			TaskID:      sess.TaskID,
			SessionID:   sess.ID,
			PID:         os.Getpid(),
			HeartbeatAt: time.Now().UTC(),
		}
		if err := m.tasks.Store().WriteLease(sess.WorkspaceID, lease); err != nil {
			m.logger.Warn("failed to write execution lease",
				zap.String("workspace_id", sess.WorkspaceID), zap.Error(err))
		}
	}
	write()

	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				write()
			}
		}
	}()
}

// ReconcileLeases scans workspaces at startup. A leftover lease means
// the previous process died mid-execution: record it, tell listeners
// the task is idle, and clear the lease. Sessions are not restarted.
func (m *Manager) ReconcileLeases(ctx context.Context) {
	for _, ws := range m.tasks.WorkspaceRecords() {
		lease, err := m.tasks.Store().ReadLease(ws.ID)
		if err != nil {
			m.logger.Warn("failed to read execution lease",
				zap.String("workspace_id", ws.ID), zap.Error(err))
			continue
		}
		if lease == nil {
			continue
		}

		m.logger.Info("clearing stale execution lease",
			zap.String("workspace_id", ws.ID),
			zap.String("task_id", lease.TaskID),
			zap.Int("pid", lease.PID),
			zap.Time("heartbeat_at", lease.HeartbeatAt))

		if _, err := m.activity.AppendSystemEvent(ctx, ws.ID, lease.TaskID,
			"execution_interrupted",
			"execution interrupted by restart",
			map[string]interface{}{
				"sessionId":   lease.SessionID,
				"pid":         lease.PID,
				"heartbeatAt": lease.HeartbeatAt.Format(time.RFC3339),
			},
		); err != nil {
			m.logger.Error("failed to persist interrupt event", zap.Error(err))
		}

		m.activity.Broadcast(ws.ID, activity.KindExecutionStatus, &v1.ExecutionStatusEvent{
			TaskID: lease.TaskID,
			Status: v1.StatusIdle,
		})
		if err := m.tasks.Store().ClearLease(ws.ID); err != nil {
			m.logger.Warn("failed to clear stale lease",
				zap.String("workspace_id", ws.ID), zap.Error(err))
		}
	}
}

func (m *Manager) broadcastStatus(sess *Session, status, message string) {
	m.activity.Broadcast(sess.WorkspaceID, activity.KindExecutionStatus, &v1.ExecutionStatusEvent{
		TaskID:  sess.TaskID,
		Status:  status,
		Message: message,
	})
}

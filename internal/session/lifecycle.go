package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/prompts"
	"github.com/taskflow/taskflow/internal/agent/registry"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/task/models"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// callbackTimeout bounds the task-store work done inside tool callbacks,
// which run on tool-bridge goroutines without a request context.
const callbackTimeout = 30 * time.Second

// StartExecution opens an execution session on the task and sends the
// first turn. Callers move the task into executing first; a running
// execution session on the same task is a conflict, anything else is
// replaced.
func (m *Manager) StartExecution(ctx context.Context, workspaceID, taskID string, onComplete CompletionFunc) (*Session, error) {
	if prev := m.Active(taskID); prev != nil && prev.Purpose == sdk.PurposeExecution {
		return nil, ErrSessionActive
	}

	ws, task, err := m.records(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	resume := task.SessionFile != ""

	sess, err := m.Open(ctx, ws, task, OpenOptions{
		Purpose:      sdk.PurposeExecution,
		ArmWatchdogs: true,
		OnComplete:   onComplete,
	})
	if err != nil {
		return nil, err
	}

	m.installCompletion(sess)
	m.addRestore(sess, m.installAttach(sess))

	if _, err := m.activity.AppendTaskSeparator(ctx, workspaceID, taskID, task.Title, task.Phase); err != nil {
		m.logger.Warn("failed to append task separator",
			zap.String("task_id", taskID), zap.Error(err))
	}

	name := prompts.Execution
	if resume {
		name = prompts.Rework
	}
	vars := m.promptVars(ws, task, sess.Mode)
	vars.Skills = m.skills.LoadAll(task.PreExecutionSkills)
	prompt := prompts.Render(name, ws.PromptOverrides, vars)

	if err := m.BeginTurn(ctx, sess, prompt); err != nil {
		m.teardown(sess, "first_turn_failed")
		return nil, err
	}

	m.logger.Info("execution session started",
		zap.String("session_id", sess.ID),
		zap.String("task_id", taskID),
		zap.Bool("resumed", resume))
	return sess, nil
}

// StartChat mints a fresh chat session for the task and prompts it with
// the user's message.
func (m *Manager) StartChat(ctx context.Context, workspaceID, taskID, userMessage string) (*Session, error) {
	ws, task, err := m.records(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	sess, err := m.Open(ctx, ws, task, OpenOptions{Purpose: sdk.PurposeChat})
	if err != nil {
		return nil, err
	}
	m.addRestore(sess, m.installAttach(sess))
	m.armScopedPlan(sess)

	vars := m.promptVars(ws, task, sess.Mode)
	vars.UserMessage = userMessage
	prompt := prompts.Render(prompts.Chat, ws.PromptOverrides, vars)

	if err := m.BeginTurn(ctx, sess, prompt); err != nil {
		m.teardown(sess, "first_turn_failed")
		return nil, err
	}

	m.logger.Info("chat session started",
		zap.String("session_id", sess.ID), zap.String("task_id", taskID))
	return sess, nil
}

// ResumeChat reopens the task's previous conversation and prompts it
// with the user's message. Fails when the task has no session handle.
func (m *Manager) ResumeChat(ctx context.Context, workspaceID, taskID, userMessage string) (*Session, error) {
	ws, task, err := m.records(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	sess, err := m.Open(ctx, ws, task, OpenOptions{
		Purpose:         sdk.PurposeChat,
		RequireExisting: true,
	})
	if err != nil {
		return nil, err
	}
	m.addRestore(sess, m.installAttach(sess))
	m.armScopedPlan(sess)

	vars := m.promptVars(ws, task, sess.Mode)
	vars.UserMessage = userMessage
	prompt := prompts.Render(prompts.Chat, ws.PromptOverrides, vars)

	if err := m.BeginTurn(ctx, sess, prompt); err != nil {
		m.teardown(sess, "first_turn_failed")
		return nil, err
	}

	m.logger.Info("chat session resumed",
		zap.String("session_id", sess.ID), zap.String("task_id", taskID))
	return sess, nil
}

// OpenPlanning opens a planning session without sending the first turn,
// so the caller can attach stream observers before any events flow. It
// returns the rendered opening prompt; tasks with a previous
// conversation get the resume variant. Auto retry and auto compaction
// are disabled because the caller owns the turn budget.
func (m *Manager) OpenPlanning(ctx context.Context, workspaceID, taskID string, maxToolCalls int) (*Session, string, error) {
	ws, task, err := m.records(ctx, workspaceID, taskID)
	if err != nil {
		return nil, "", err
	}
	resume := task.SessionFile != ""

	sess, err := m.Open(ctx, ws, task, OpenOptions{
		Purpose:               sdk.PurposePlanning,
		DisableAutoRetry:      true,
		DisableAutoCompaction: true,
	})
	if err != nil {
		return nil, "", err
	}
	m.addRestore(sess, m.installAttach(sess))

	name := prompts.Planning
	if resume {
		name = prompts.ResumePlanning
	}
	vars := m.promptVars(ws, task, sess.Mode)
	vars.Skills = m.skills.LoadAll(task.PrePlanningSkills)
	vars.MaxToolCalls = maxToolCalls
	prompt := prompts.Render(name, ws.PromptOverrides, vars)

	m.logger.Info("planning session opened",
		zap.String("session_id", sess.ID),
		zap.String("task_id", taskID),
		zap.Bool("resumed", resume))
	return sess, prompt, nil
}

// GenerateSummary reopens the task's previous conversation, collects a
// fresh summary turn, and persists it on the task. Fails on tasks with
// a live session or without a session handle.
func (m *Manager) GenerateSummary(ctx context.Context, workspaceID, taskID string) (*v1.Task, error) {
	if m.Active(taskID) != nil {
		return nil, ErrSessionActive
	}

	ws, task, err := m.records(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	sess, err := m.Open(ctx, ws, task, OpenOptions{
		Purpose:         sdk.PurposeChat,
		RequireExisting: true,
	})
	if err != nil {
		return nil, err
	}
	defer m.Close(sess, "summary_collected")

	vars := m.promptVars(ws, task, sess.Mode)
	text := prompts.Render(prompts.Summary, ws.PromptOverrides, vars)

	content, err := m.collectTurn(sess, text)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("summary turn produced no text")
	}

	m.logger.Info("summary regenerated",
		zap.String("session_id", sess.ID), zap.String("task_id", taskID))
	return m.tasks.SetSummary(ctx, workspaceID, taskID, content)
}

// PlanningGracePrompt renders the save-plan grace instruction against
// the task's current state.
func (m *Manager) PlanningGracePrompt(ctx context.Context, sess *Session) (string, error) {
	ws, task, err := m.records(ctx, sess.WorkspaceID, sess.TaskID)
	if err != nil {
		return "", err
	}
	vars := m.promptVars(ws, task, sess.Mode)
	return prompts.Render(prompts.PlanningGrace, ws.PromptOverrides, vars), nil
}

// HandleUserMessage routes a posted user message to the task's agent:
// steer when streaming, follow-up when idle, resume when the task has
// a previous conversation, fresh chat otherwise.
func (m *Manager) HandleUserMessage(ctx context.Context, workspaceID, taskID, content string) error {
	if sess := m.Active(taskID); sess != nil && !sess.isClosed() {
		if sess.IsStreaming() {
			return m.steer(ctx, sess, content)
		}
		return m.followUp(ctx, sess, content)
	}

	task, err := m.tasks.GetTaskRecord(ctx, workspaceID, taskID)
	if err != nil {
		return err
	}
	if task.SessionFile != "" {
		_, err = m.ResumeChat(ctx, workspaceID, taskID, content)
		return err
	}
	_, err = m.StartChat(ctx, workspaceID, taskID, content)
	return err
}

// steer injects the message into the running turn.
func (m *Manager) steer(ctx context.Context, sess *Session, content string) error {
	prefix, err := m.contractPrefix(ctx, sess)
	if err != nil {
		return err
	}
	if err := sess.conv.Steer(ctx, prefix+content); err != nil {
		return err
	}
	sess.setAwaitingInput(false)
	m.logger.Debug("turn steered", zap.String("task_id", sess.TaskID))
	return nil
}

// followUp starts a new turn on an idle session. If the session turned
// streaming in the meantime the message is queued and sent when the
// current turn ends.
func (m *Manager) followUp(ctx context.Context, sess *Session, content string) error {
	if signaled, _ := sess.completionState(); signaled {
		m.logger.Debug("follow-up dropped, completion pending",
			zap.String("task_id", sess.TaskID))
		return nil
	}
	if sess.IsStreaming() {
		sess.queueFollowUp(content)
		return nil
	}
	prefix, err := m.contractPrefix(ctx, sess)
	if err != nil {
		return err
	}
	m.armScopedPlan(sess)
	sess.setAwaitingInput(false)
	return m.FollowUpTurn(ctx, sess, prefix+content)
}

// installCompletion binds the task_complete callback. The callback only
// flags the session; the demultiplexer or, when the turn already ended,
// a spawned completion flow picks it up.
func (m *Manager) installCompletion(sess *Session) {
	m.addRestore(sess, m.registry.InstallComplete(sess.TaskID, sess.Mode, func(summary string) error {
		first, alreadyIdle, dropped := sess.signalComplete(summary)
		if dropped || !first {
			return nil
		}
		m.logger.Info("agent signaled completion",
			zap.String("session_id", sess.ID), zap.String("task_id", sess.TaskID))
		if alreadyIdle {
			go m.completeSession(sess)
		}
		return nil
	}))
}

// installAttach binds the attach_task_file callback; every session kind
// gets one.
func (m *Manager) installAttach(sess *Session) func() {
	return m.registry.InstallAttach(sess.TaskID, sess.Mode, func(p registry.AttachPayload) error {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		_, err := m.tasks.AddAttachment(ctx, sess.WorkspaceID, sess.TaskID,
			p.Filename, p.MimeType, bytes.NewReader(p.Data))
		return err
	})
}

// armScopedPlan installs a save_plan callback for the next turn when the
// session's mode permits the tool. The previous slot holder is stashed
// and comes back when the turn ends.
func (m *Manager) armScopedPlan(sess *Session) {
	if contract.IsForbidden(sess.Mode, contract.ToolSavePlan) {
		return
	}
	restore := m.registry.InstallPlan(sess.TaskID, sess.Mode, func(p registry.PlanPayload) error {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		plan := &models.Plan{
			Goal:        p.Goal,
			Steps:       p.Steps,
			Validation:  p.Validation,
			Cleanup:     p.Cleanup,
			GeneratedAt: time.Now().UTC(),
		}
		_, err := m.tasks.SavePlan(ctx, sess.WorkspaceID, sess.TaskID, plan, p.AcceptanceCriteria)
		return err
	})
	sess.setTurnRestore(restore)
}

// contractPrefix renders the state contract against the task's current
// phase; every outbound text carries it.
func (m *Manager) contractPrefix(ctx context.Context, sess *Session) (string, error) {
	task, err := m.tasks.GetTaskRecord(ctx, sess.WorkspaceID, sess.TaskID)
	if err != nil {
		return "", err
	}
	block := contract.StateBlock(task.Phase, sess.Mode, task.PlanningStatus)
	return block + "\n\n" + contract.Reference + "\n\n", nil
}

// promptVars assembles the substitution set shared by every template.
func (m *Manager) promptVars(ws *models.Workspace, task *models.Task, mode contract.Mode) prompts.Vars {
	attachments := make([]string, 0, len(task.Attachments))
	for _, a := range task.Attachments {
		attachments = append(attachments, a.Filename)
	}
	return prompts.Vars{
		StateBlock:         contract.StateBlock(task.Phase, mode, task.PlanningStatus),
		ContractReference:  contract.Reference,
		TaskID:             task.ID,
		Title:              task.Title,
		Description:        task.Description,
		AcceptanceCriteria: task.AcceptanceCriteria,
		SharedContext:      ws.SharedContext,
		Attachments:        attachments,
	}
}

func (m *Manager) records(ctx context.Context, workspaceID, taskID string) (*models.Workspace, *models.Task, error) {
	ws, err := m.tasks.GetWorkspaceRecord(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	task, err := m.tasks.GetTaskRecord(ctx, workspaceID, taskID)
	if err != nil {
		return nil, nil, err
	}
	return ws, task, nil
}

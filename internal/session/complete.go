package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/prompts"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/task/models"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// completeSession drives the completion protocol once the agent has
// signaled task_complete: post-execution skills, summary generation,
// the phase move, the completion callback, teardown. Only the first
// claimant runs it; a concurrent stop wins by closing the session.
func (m *Manager) completeSession(sess *Session) {
	if !sess.startCompletion() {
		return
	}
	_, summary := sess.completionState()
	ctx := context.Background()

	m.logger.Info("completion flow started",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.TaskID))

	task, err := m.tasks.GetTaskRecord(ctx, sess.WorkspaceID, sess.TaskID)
	if err != nil {
		m.failSession(sess, fmt.Sprintf("completion: load task: %v", err))
		return
	}

	m.runPostHooks(ctx, sess, task)
	if sess.isClosed() {
		return
	}

	m.generateSummary(ctx, sess, task, summary)
	if sess.isClosed() {
		return
	}

	if _, err := m.tasks.MoveTask(ctx, sess.WorkspaceID, sess.TaskID,
		v1.PhaseComplete, "agent", "task_complete"); err != nil {
		m.failSession(sess, fmt.Sprintf("completion: move to complete: %v", err))
		return
	}

	if _, err := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID,
		"execution_completed", "execution completed", map[string]interface{}{
			"sessionId": sess.ID,
			"summary":   summary,
		}); err != nil {
		m.logger.Error("failed to persist completion event",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}

	sess.setStatus(v1.SessionCompleted)
	m.broadcastStatus(sess, v1.StatusCompleted, summary)
	m.logger.Info("execution completed",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.TaskID),
		zap.Int("turns", sess.turnCount()))

	if onComplete := sess.takeOnComplete(); onComplete != nil {
		onComplete(true, "")
	}
	m.teardown(sess, "completed")
	m.queueKick(sess.WorkspaceID)
}

// failSession is the shared error cleanup: one system event, one error
// status broadcast, the completion callback with failure, teardown.
func (m *Manager) failSession(sess *Session, errMsg string) {
	ctx := context.Background()
	m.logger.Error("session failed",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.TaskID),
		zap.String("error", errMsg))

	if _, err := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID,
		"execution_error", errMsg, map[string]interface{}{
			"sessionId": sess.ID,
		}); err != nil {
		m.logger.Error("failed to persist error event",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}

	sess.setStatus(v1.SessionError)
	m.broadcastStatus(sess, v1.StatusError, errMsg)
	if onComplete := sess.takeOnComplete(); onComplete != nil {
		onComplete(false, errMsg)
	}
	m.teardown(sess, "error")
	m.queueKick(sess.WorkspaceID)
}

// runPostHooks sends each post-execution skill as its own follow-up
// turn. Skill failures become system events and never abort completion.
func (m *Manager) runPostHooks(ctx context.Context, sess *Session, task *models.Task) {
	if len(task.PostExecutionSkills) == 0 {
		return
	}
	m.broadcastStatus(sess, v1.StatusPostHooks, "")

	for _, id := range task.PostExecutionSkills {
		if sess.isClosed() {
			return
		}
		content, err := m.skills.Load(id)
		if err != nil {
			m.postHookError(ctx, sess, id, err)
			continue
		}
		prefix, err := m.contractPrefix(ctx, sess)
		if err != nil {
			m.postHookError(ctx, sess, id, err)
			continue
		}
		if _, err := m.collectTurn(sess, prefix+content); err != nil {
			m.postHookError(ctx, sess, id, err)
		}
	}
}

func (m *Manager) postHookError(ctx context.Context, sess *Session, skillID string, err error) {
	m.logger.Warn("post-execution skill failed",
		zap.String("task_id", sess.TaskID),
		zap.String("skill", skillID),
		zap.Error(err))
	if _, aerr := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID,
		"skill_error", fmt.Sprintf("post-execution skill %s failed: %v", skillID, err),
		map[string]interface{}{
			"skill": skillID,
			"error": err.Error(),
		}); aerr != nil {
		m.logger.Error("failed to persist skill error",
			zap.String("task_id", sess.TaskID), zap.Error(aerr))
	}
}

// generateSummary asks the same conversation for a closing summary and
// persists it on the task. Falls back to the task_complete summary when
// the turn yields nothing; failures never abort completion.
func (m *Manager) generateSummary(ctx context.Context, sess *Session, task *models.Task, fallback string) {
	ws, err := m.tasks.GetWorkspaceRecord(ctx, sess.WorkspaceID)
	if err != nil {
		m.summaryError(ctx, sess, err)
		return
	}

	vars := m.promptVars(ws, task, sess.Mode)
	text := prompts.Render(prompts.Summary, ws.PromptOverrides, vars)

	content, err := m.collectTurn(sess, text)
	if err != nil {
		m.summaryError(ctx, sess, err)
		content = ""
	}
	if content == "" {
		content = strings.TrimSpace(fallback)
	}
	if content == "" {
		return
	}
	if _, err := m.tasks.SetSummary(ctx, sess.WorkspaceID, sess.TaskID, content); err != nil {
		m.summaryError(ctx, sess, err)
	}
}

func (m *Manager) summaryError(ctx context.Context, sess *Session, err error) {
	m.logger.Warn("summary generation failed",
		zap.String("task_id", sess.TaskID), zap.Error(err))
	if _, aerr := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID,
		"summary_error", fmt.Sprintf("summary generation failed: %v", err),
		map[string]interface{}{
			"error": err.Error(),
		}); aerr != nil {
		m.logger.Error("failed to persist summary error",
			zap.String("task_id", sess.TaskID), zap.Error(aerr))
	}
}

// collectTurn sends a follow-up and gathers the assistant text of that
// turn, returning when the turn ends or the collect timeout expires.
func (m *Manager) collectTurn(sess *Session, text string) (string, error) {
	done := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var buf strings.Builder

	unsubscribe := sess.conv.Subscribe(func(event *sdk.Event) {
		switch event.Type {
		case sdk.EventMessageEnd:
			if event.Message == nil || event.Message.Role != "assistant" {
				return
			}
			content := contract.StripEcho(event.Message.Content)
			if content == "" {
				return
			}
			mu.Lock()
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(content)
			mu.Unlock()
		case sdk.EventTurnEnd:
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CollectTimeout)
	defer cancel()

	if err := m.FollowUpTurn(ctx, sess, text); err != nil {
		return "", err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("turn did not finish within %s", m.cfg.CollectTimeout)
	}

	mu.Lock()
	defer mu.Unlock()
	return strings.TrimSpace(buf.String()), nil
}

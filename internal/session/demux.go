package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/agent/contract"
	"github.com/taskflow/taskflow/internal/agent/sdk"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// handleEvent is the per-session demultiplexer. Events arrive in order
// on the conversation's dispatch goroutine; stale sessions drop theirs.
func (m *Manager) handleEvent(sess *Session, event *sdk.Event) {
	if sess.isClosed() || m.Active(sess.TaskID) != sess {
		return
	}

	// Any event proves the SDK is alive and the turn moved past the
	// last tool result.
	if sess.watchdogs != nil {
		sess.watchdogs.disarm(stallNoFirstEvent)
		sess.watchdogs.disarm(stallPostTool)
	}

	ctx := context.Background()

	switch event.Type {
	case sdk.EventAgentStart:
		sess.clearBuffers()
		m.broadcastStatus(sess, v1.StatusStreaming, "")
		m.refreshContextUsage(sess)

	case sdk.EventMessageStart:
		if event.Role != "assistant" {
			return
		}
		if sess.watchdogs != nil {
			sess.watchdogs.arm(stallStreamSilence)
		}
		m.activity.Broadcast(sess.WorkspaceID, activity.KindStreamingStart, &v1.StreamingStartEvent{
			TaskID: sess.TaskID,
		})

	case sdk.EventMessageUpdate:
		m.handleDelta(sess, event)

	case sdk.EventMessageEnd:
		m.handleMessageEnd(ctx, sess, event)

	case sdk.EventToolExecutionStart:
		sess.recordToolStart(event.ToolCallID, event.ToolName, event.Args)
		if sess.watchdogs != nil {
			sess.watchdogs.disarm(stallStreamSilence)
			sess.watchdogs.arm(stallToolExecution)
		}
		m.broadcastStatus(sess, v1.StatusToolUse, event.ToolName)
		m.activity.Broadcast(sess.WorkspaceID, activity.KindToolStart, &v1.ToolStartEvent{
			TaskID:     sess.TaskID,
			ToolCallID: event.ToolCallID,
			ToolName:   event.ToolName,
			Args:       event.Args,
		})

	case sdk.EventToolExecutionUpdate:
		delta := sess.toolOutputDelta(event.ToolCallID, event.Output)
		if sess.watchdogs != nil {
			sess.watchdogs.arm(stallToolExecution)
		}
		if delta != "" {
			m.activity.Broadcast(sess.WorkspaceID, activity.KindToolUpdate, &v1.ToolUpdateEvent{
				TaskID:     sess.TaskID,
				ToolCallID: event.ToolCallID,
				Output:     delta,
			})
		}

	case sdk.EventToolExecutionEnd:
		m.handleToolEnd(ctx, sess, event)

	case sdk.EventTurnEnd:
		m.handleTurnEnd(sess, event)

	case sdk.EventAutoCompactionStart:
		m.appendReliabilityEvent(ctx, sess, "auto_compaction",
			"conversation compaction started", nil)

	case sdk.EventAutoCompactionEnd:
		m.appendReliabilityEvent(ctx, sess, "auto_compaction",
			"conversation compaction finished", map[string]interface{}{
				"error": event.Error,
			})

	case sdk.EventAutoRetryAttempt:
		m.appendReliabilityEvent(ctx, sess, "auto_retry",
			fmt.Sprintf("provider retry %d/%d in %dms", event.Attempt, event.MaxAttempts, event.DelayMs),
			map[string]interface{}{
				"attempt":     event.Attempt,
				"maxAttempts": event.MaxAttempts,
				"delayMs":     event.DelayMs,
				"error":       event.Error,
			})

	case sdk.EventAutoRetryExhausted:
		m.appendReliabilityEvent(ctx, sess, "auto_retry",
			fmt.Sprintf("provider retries exhausted after %d attempts", event.Attempt),
			map[string]interface{}{
				"attempt": event.Attempt,
				"error":   event.Error,
			})
	}
}

func (m *Manager) handleDelta(sess *Session, event *sdk.Event) {
	if event.Delta == nil {
		return
	}
	if sess.watchdogs != nil {
		sess.watchdogs.arm(stallStreamSilence)
	}

	switch event.Delta.Type {
	case sdk.DeltaText:
		firstToken, latency := sess.appendText(event.Delta.Text)
		if firstToken {
			m.logger.Debug("first assistant token",
				zap.String("task_id", sess.TaskID),
				zap.Duration("latency", latency))
		}
		m.activity.Broadcast(sess.WorkspaceID, activity.KindStreamingText, &v1.StreamingTextEvent{
			TaskID: sess.TaskID,
			Text:   event.Delta.Text,
		})
	case sdk.DeltaThinking:
		sess.appendThinking(event.Delta.Text)
		m.activity.Broadcast(sess.WorkspaceID, activity.KindThinkingDelta, &v1.ThinkingDeltaEvent{
			TaskID: sess.TaskID,
			Text:   event.Delta.Text,
		})
	}
}

func (m *Manager) handleMessageEnd(ctx context.Context, sess *Session, event *sdk.Event) {
	if event.Message == nil || event.Message.Role != "assistant" {
		return
	}
	if sess.watchdogs != nil {
		sess.watchdogs.disarm(stallStreamSilence)
	}

	if sess.hasThinking() {
		m.activity.Broadcast(sess.WorkspaceID, activity.KindThinkingEnd, &v1.ThinkingEndEvent{
			TaskID: sess.TaskID,
		})
	}

	content := contract.StripEcho(event.Message.Content)

	// The live stream always learns the message ended, even when the
	// content is suppressed as a tool-result echo.
	m.activity.Broadcast(sess.WorkspaceID, activity.KindStreamingEnd, &v1.StreamingEndEvent{
		TaskID:  sess.TaskID,
		Content: content,
	})

	if content != "" && !sess.echoesToolResult(content, m.cfg.EchoDedupWindow) {
		if _, err := m.activity.AppendChatMessage(ctx, sess.WorkspaceID, sess.TaskID,
			v1.RoleAgent, content, nil); err != nil {
			m.logger.Error("failed to persist agent message",
				zap.String("task_id", sess.TaskID), zap.Error(err))
		}
	}

	if usage := event.Message.Usage; usage != nil {
		if err := m.tasks.AccumulateUsage(ctx, sess.WorkspaceID, sess.TaskID,
			event.Message.Model, usage.InputTokens, usage.OutputTokens, usage.CostUSD); err != nil {
			m.logger.Error("failed to persist usage metrics",
				zap.String("task_id", sess.TaskID), zap.Error(err))
		}
	}

	if event.Message.StopReason == sdk.StopError {
		errMsg := event.Message.Content
		if errMsg == "" {
			errMsg = "agent turn failed"
		}
		sess.markTurnFailed(errMsg)
		m.broadcastStatus(sess, v1.StatusError, errMsg)
	}

	m.refreshContextUsage(sess)
}

func (m *Manager) handleToolEnd(ctx context.Context, sess *Session, event *sdk.Event) {
	call, known := sess.finishTool(event.ToolCallID, event.Output)
	if sess.watchdogs != nil {
		sess.watchdogs.disarm(stallToolExecution)
		sess.watchdogs.arm(stallPostTool)
	}

	toolName := event.ToolName
	if toolName == "" && known {
		toolName = call.Name
	}

	meta := map[string]interface{}{
		"toolName":   toolName,
		"toolCallId": event.ToolCallID,
		"isError":    event.IsError,
	}
	if known && call.Args != nil {
		meta["args"] = call.Args
	}
	if _, err := m.activity.AppendChatMessage(ctx, sess.WorkspaceID, sess.TaskID,
		v1.RoleAgent, event.Output, meta); err != nil {
		m.logger.Error("failed to persist tool result",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}

	m.activity.Broadcast(sess.WorkspaceID, activity.KindToolEnd, &v1.ToolEndEvent{
		TaskID:     sess.TaskID,
		ToolCallID: event.ToolCallID,
		ToolName:   toolName,
		Output:     event.Output,
		IsError:    event.IsError,
	})
	m.broadcastStatus(sess, v1.StatusStreaming, "")
}

func (m *Manager) handleTurnEnd(sess *Session, event *sdk.Event) {
	if sess.watchdogs != nil {
		sess.watchdogs.disarmTurn()
	}
	if restore := sess.takeTurnRestore(); restore != nil {
		restore()
	}

	failed, errMsg := sess.endTurn()

	m.activity.Broadcast(sess.WorkspaceID, activity.KindTurnEnd, &v1.TurnEndEvent{
		TaskID: sess.TaskID,
		Turn:   event.Turn,
	})
	m.refreshContextUsage(sess)

	// Completion-flow turns (post-hooks, summary) are driven by
	// completeSession; the turn-end routing below is for normal turns.
	if sess.isCompleting() {
		return
	}

	signaled, _ := sess.completionState()
	if signaled {
		go m.completeSession(sess)
		return
	}

	if failed {
		go m.failSession(sess, errMsg)
		return
	}

	// Queued follow-ups take precedence over going idle.
	if text, ok := sess.nextFollowUp(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.followUp(ctx, sess, text); err != nil {
			m.logger.Error("queued follow-up failed",
				zap.String("task_id", sess.TaskID), zap.Error(err))
		}
		return
	}

	sess.setStatus(v1.SessionIdle)
	if sess.Purpose == sdk.PurposeExecution {
		sess.setAwaitingInput(true)
		m.broadcastStatus(sess, v1.StatusAwaitingInput, "")
		return
	}
	m.broadcastStatus(sess, v1.StatusIdle, "")
}

// refreshContextUsage reads the SDK's context snapshot off the event
// goroutine; failures are logged and never fail the turn.
func (m *Manager) refreshContextUsage(sess *Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		usage, err := sess.conv.ContextUsage(ctx)
		if err != nil {
			m.logger.Debug("context usage read failed",
				zap.String("task_id", sess.TaskID), zap.Error(err))
			return
		}
		if sess.isClosed() {
			return
		}
		m.activity.Broadcast(sess.WorkspaceID, activity.KindContextUsage, &v1.ContextUsageEvent{
			TaskID:        sess.TaskID,
			Tokens:        usage.Tokens,
			ContextWindow: usage.ContextWindow,
			Percent:       usage.Percent,
		})
	}()
}

func (m *Manager) appendReliabilityEvent(ctx context.Context, sess *Session, kind, message string, metadata map[string]interface{}) {
	m.logger.Info("sdk reliability event",
		zap.String("task_id", sess.TaskID),
		zap.String("kind", kind),
		zap.String("message", message))
	if _, err := m.activity.AppendSystemEvent(ctx, sess.WorkspaceID, sess.TaskID, kind, message, metadata); err != nil {
		m.logger.Error("failed to persist reliability event",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}
}

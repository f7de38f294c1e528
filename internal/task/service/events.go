package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/events/bus"
	"github.com/taskflow/taskflow/internal/task/models"
)

// publishTaskEvent publishes a task event to the control bus. The subject
// is scoped by workspace so automation controllers can subscribe narrowly.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *models.Task, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":         task.ID,
		"workspace_id":    task.WorkspaceID,
		"title":           task.Title,
		"phase":           string(task.Phase),
		"planning_status": string(task.PlanningStatus),
		"order":           task.Order,
		"updated_at":      task.UpdatedAt.Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}

	subject := eventType + "." + task.WorkspaceID
	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Service) publishWorkspaceEvent(ctx context.Context, eventType string, ws *models.Workspace) {
	if s.eventBus == nil || ws == nil {
		return
	}
	data := map[string]interface{}{
		"workspace_id": ws.ID,
		"name":         ws.Name,
		"path":         ws.Path,
		"updated_at":   ws.UpdatedAt.Format(time.RFC3339),
	}
	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, eventType+"."+ws.ID, event); err != nil {
		s.logger.Error("failed to publish workspace event",
			zap.String("event_type", eventType),
			zap.String("workspace_id", ws.ID),
			zap.Error(err))
	}
}

func (s *Service) publishEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	subject := eventType
	if wsID, ok := data["workspace_id"].(string); ok && wsID != "" {
		subject = eventType + "." + wsID
	}
	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// broadcast emits an ephemeral event on the workspace's live stream.
func (s *Service) broadcast(workspaceID, kind string, payload interface{}) {
	if s.activity == nil {
		return
	}
	s.activity.Broadcast(workspaceID, kind, payload)
}

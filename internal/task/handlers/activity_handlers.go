package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/session"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

type ActivityHandlers struct {
	tasks    *taskservice.Service
	activity *activity.Service
	manager  *session.Manager
	logger   *logger.Logger
}

func NewActivityHandlers(tasks *taskservice.Service, act *activity.Service, manager *session.Manager, log *logger.Logger) *ActivityHandlers {
	return &ActivityHandlers{
		tasks:    tasks,
		activity: act,
		manager:  manager,
		logger:   log.WithFields(zap.String("component", "activity-handlers")),
	}
}

func RegisterActivityRoutes(router *gin.Engine, tasks *taskservice.Service, act *activity.Service, manager *session.Manager, log *logger.Logger) {
	handlers := NewActivityHandlers(tasks, act, manager, log)
	handlers.registerHTTP(router)
}

func (h *ActivityHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/workspaces/:id/activity", h.httpPostActivity)
	api.GET("/workspaces/:id/activity", h.httpWorkspaceTimeline)
	api.GET("/workspaces/:id/tasks/:taskId/activity", h.httpTaskTimeline)
}

// httpPostActivity persists a chat message on the workspace timeline. A
// user-role message bound to a task is additionally routed to the task's
// agent; routing failures land on the timeline as system events rather
// than failing the request, since the message itself is already stored.
func (h *ActivityHandlers) httpPostActivity(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("id")

	var req v1.PostActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	role := req.Role
	if role == "" {
		role = v1.RoleUser
	}
	if role != v1.RoleUser && role != v1.RoleAgent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or agent"})
		return
	}

	if _, err := h.tasks.GetWorkspaceRecord(ctx, workspaceID); err != nil {
		respondServiceError(c, h.logger, err, "workspace not found")
		return
	}
	if req.TaskID != "" {
		if _, err := h.tasks.GetTaskRecord(ctx, workspaceID, req.TaskID); err != nil {
			respondServiceError(c, h.logger, err, "task not found")
			return
		}
	}

	entry, err := h.activity.AppendChatMessage(ctx, workspaceID, req.TaskID, role, req.Content, req.Metadata)
	if err != nil {
		respondServiceError(c, h.logger, err, "message not persisted")
		return
	}

	if role == v1.RoleUser && req.TaskID != "" {
		if err := h.manager.HandleUserMessage(ctx, workspaceID, req.TaskID, req.Content); err != nil {
			h.logger.Warn("user message not routed to agent",
				zap.String("task_id", req.TaskID), zap.Error(err))
			if _, aerr := h.activity.AppendSystemEvent(ctx, workspaceID, req.TaskID,
				"message_routing_failed", err.Error(), nil); aerr != nil {
				h.logger.Error("failed to persist routing error",
					zap.String("task_id", req.TaskID), zap.Error(aerr))
			}
		}
	}

	c.JSON(http.StatusCreated, entry)
}

func (h *ActivityHandlers) httpWorkspaceTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("id")

	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if _, err := h.tasks.GetWorkspaceRecord(ctx, workspaceID); err != nil {
		respondServiceError(c, h.logger, err, "workspace not found")
		return
	}
	entries, err := h.activity.Timeline(ctx, workspaceID, limit)
	if err != nil {
		respondServiceError(c, h.logger, err, "timeline not read")
		return
	}
	c.JSON(http.StatusOK, v1.ListActivityResponse{Entries: entries, Total: len(entries)})
}

func (h *ActivityHandlers) httpTaskTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID, taskID := c.Param("id"), c.Param("taskId")

	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if _, err := h.tasks.GetTaskRecord(ctx, workspaceID, taskID); err != nil {
		respondServiceError(c, h.logger, err, "task not found")
		return
	}
	entries, err := h.activity.TaskTimeline(ctx, workspaceID, taskID, limit)
	if err != nil {
		respondServiceError(c, h.logger, err, "timeline not read")
		return
	}
	c.JSON(http.StatusOK, v1.ListActivityResponse{Entries: entries, Total: len(entries)})
}

// parseLimit reads the optional ?limit= query. A malformed value answers
// the request with a 400 and reports false.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

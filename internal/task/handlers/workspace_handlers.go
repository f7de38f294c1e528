// Package handlers exposes the task domain over HTTP and the WebSocket
// dispatcher. Each resource gets a handler struct with a RegisterXRoutes
// entry point; the HTTP surface lives under /api/v1.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

type WorkspaceHandlers struct {
	tasks  *taskservice.Service
	logger *logger.Logger
}

func NewWorkspaceHandlers(tasks *taskservice.Service, log *logger.Logger) *WorkspaceHandlers {
	return &WorkspaceHandlers{
		tasks:  tasks,
		logger: log.WithFields(zap.String("component", "workspace-handlers")),
	}
}

func RegisterWorkspaceRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, tasks *taskservice.Service, log *logger.Logger) {
	handlers := NewWorkspaceHandlers(tasks, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *WorkspaceHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/workspaces", h.httpListWorkspaces)
	api.POST("/workspaces", h.httpCreateWorkspace)
	api.GET("/workspaces/:id", h.httpGetWorkspace)
	api.DELETE("/workspaces/:id", h.httpDeleteWorkspace)
}

func (h *WorkspaceHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.Register(ws.ActionWorkspaceList, h.wsListWorkspaces)
}

func (h *WorkspaceHandlers) listWorkspaces(ctx context.Context) v1.ListWorkspacesResponse {
	workspaces := h.tasks.ListWorkspaces(ctx)
	return v1.ListWorkspacesResponse{Workspaces: workspaces, Total: len(workspaces)}
}

// HTTP handlers

func (h *WorkspaceHandlers) httpListWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, h.listWorkspaces(c.Request.Context()))
}

func (h *WorkspaceHandlers) httpCreateWorkspace(c *gin.Context) {
	var req v1.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	workspace, err := h.tasks.CreateWorkspace(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, h.logger, err, "workspace not created")
		return
	}
	c.JSON(http.StatusCreated, workspace)
}

func (h *WorkspaceHandlers) httpGetWorkspace(c *gin.Context) {
	workspace, err := h.tasks.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, h.logger, err, "workspace not found")
		return
	}
	c.JSON(http.StatusOK, workspace)
}

func (h *WorkspaceHandlers) httpDeleteWorkspace(c *gin.Context) {
	if err := h.tasks.DeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, h.logger, err, "workspace not deleted")
		return
	}
	c.JSON(http.StatusOK, v1.SuccessResponse{Success: true})
}

// WS handlers

func (h *WorkspaceHandlers) wsListWorkspaces(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.listWorkspaces(ctx))
}

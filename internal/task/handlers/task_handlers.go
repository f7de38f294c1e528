package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

type TaskHandlers struct {
	tasks  *taskservice.Service
	logger *logger.Logger
}

func NewTaskHandlers(tasks *taskservice.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		tasks:  tasks,
		logger: log.WithFields(zap.String("component", "task-handlers")),
	}
}

func RegisterTaskRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, tasks *taskservice.Service, log *logger.Logger) {
	handlers := NewTaskHandlers(tasks, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *TaskHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/workspaces/:id/tasks", h.httpListTasks)
	api.POST("/workspaces/:id/tasks", h.httpCreateTask)
	api.GET("/workspaces/:id/tasks/:taskId", h.httpGetTask)
	api.PATCH("/workspaces/:id/tasks/:taskId", h.httpUpdateTask)
	api.DELETE("/workspaces/:id/tasks/:taskId", h.httpDeleteTask)
	// The router cannot hold a literal "reorder" segment next to the
	// :taskId wildcard, so POST /tasks/reorder rides the param route.
	api.POST("/workspaces/:id/tasks/:taskId", h.httpTaskCollectionPost)
	api.POST("/workspaces/:id/tasks/:taskId/move", h.httpMoveTask)
}

func (h *TaskHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.Register(ws.ActionTaskList, h.wsListTasks)
}

// HTTP handlers

func (h *TaskHandlers) httpListTasks(c *gin.Context) {
	scope, err := store.ParseScope(c.Query("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tasks, err := h.tasks.ListTasks(c.Request.Context(), c.Param("id"), scope)
	if err != nil {
		respondServiceError(c, h.logger, err, "tasks not listed")
		return
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (h *TaskHandlers) httpCreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	task, err := h.tasks.CreateTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondServiceError(c, h.logger, err, "task not created")
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandlers) httpGetTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpUpdateTask(c *gin.Context) {
	var req v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	task, err := h.tasks.UpdateTask(c.Request.Context(), c.Param("id"), c.Param("taskId"), &req)
	if err != nil {
		respondServiceError(c, h.logger, err, "task not updated")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) httpDeleteTask(c *gin.Context) {
	if err := h.tasks.DeleteTask(c.Request.Context(), c.Param("id"), c.Param("taskId")); err != nil {
		respondServiceError(c, h.logger, err, "task not deleted")
		return
	}
	c.JSON(http.StatusOK, v1.SuccessResponse{Success: true})
}

// httpTaskCollectionPost dispatches the collection-level POST actions that
// share the :taskId position. Only reorder lives here today.
func (h *TaskHandlers) httpTaskCollectionPost(c *gin.Context) {
	if c.Param("taskId") != "reorder" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req v1.ReorderTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	tasks, err := h.tasks.ReorderTasks(c.Request.Context(), c.Param("id"), req.Phase, req.TaskIDs)
	if err != nil {
		respondServiceError(c, h.logger, err, "tasks not reordered")
		return
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (h *TaskHandlers) httpMoveTask(c *gin.Context) {
	var req v1.MoveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	task, err := h.tasks.MoveTask(c.Request.Context(), c.Param("id"), c.Param("taskId"), req.ToPhase, "user", req.Reason)
	if err != nil {
		respondServiceError(c, h.logger, err, "task not moved")
		return
	}
	c.JSON(http.StatusOK, task)
}

// WS handlers

type wsListTasksRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Scope       string `json:"scope,omitempty"`
}

func (h *TaskHandlers) wsListTasks(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsListTasksRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}
	if req.WorkspaceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "workspaceId is required", nil)
	}
	scope, err := store.ParseScope(req.Scope)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	}
	tasks, err := h.tasks.ListTasks(ctx, req.WorkspaceID, scope)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, v1.ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

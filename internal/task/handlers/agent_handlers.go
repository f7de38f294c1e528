package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/planning"
	"github.com/taskflow/taskflow/internal/session"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
)

// AgentHandlers mediate between HTTP and the agent-facing lifecycles:
// execution sessions, planning runs, and summary generation.
type AgentHandlers struct {
	tasks    *taskservice.Service
	manager  *session.Manager
	planning *planning.Pipeline
	logger   *logger.Logger
}

func NewAgentHandlers(tasks *taskservice.Service, manager *session.Manager, pipeline *planning.Pipeline, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		tasks:    tasks,
		manager:  manager,
		planning: pipeline,
		logger:   log.WithFields(zap.String("component", "agent-handlers")),
	}
}

func RegisterAgentRoutes(router *gin.Engine, tasks *taskservice.Service, manager *session.Manager, pipeline *planning.Pipeline, log *logger.Logger) {
	handlers := NewAgentHandlers(tasks, manager, pipeline, log)
	handlers.registerHTTP(router)
}

func (h *AgentHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/workspaces/:id/tasks/:taskId/execute", h.httpExecuteTask)
	api.POST("/workspaces/:id/tasks/:taskId/stop", h.httpStopTask)
	api.POST("/workspaces/:id/tasks/:taskId/plan/regenerate", h.httpRegeneratePlan)
	api.POST("/workspaces/:id/tasks/:taskId/acceptance-criteria/regenerate", h.httpRegenerateCriteria)
	api.GET("/workspaces/:id/tasks/:taskId/summary", h.httpGetSummary)
	api.POST("/workspaces/:id/tasks/:taskId/summary/generate", h.httpGenerateSummary)
}

// httpExecuteTask moves the task into executing and starts an execution
// session. A task already in executing is restarted in place. When the
// session fails to open, the move this handler made is undone so the
// board reflects reality.
func (h *AgentHandlers) httpExecuteTask(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID, taskID := c.Param("id"), c.Param("taskId")

	task, err := h.tasks.GetTaskRecord(ctx, workspaceID, taskID)
	if err != nil {
		respondServiceError(c, h.logger, err, "task not found")
		return
	}

	priorPhase := task.Phase
	moved := false
	if task.Phase != v1.PhaseExecuting {
		if _, err := h.tasks.MoveTask(ctx, workspaceID, taskID, v1.PhaseExecuting, "user", "manual execute"); err != nil {
			respondServiceError(c, h.logger, err, "task not moved to executing")
			return
		}
		moved = true
	}

	sess, err := h.manager.StartExecution(ctx, workspaceID, taskID, nil)
	if err != nil {
		if moved {
			if _, merr := h.tasks.MoveTask(ctx, workspaceID, taskID, priorPhase, "user", "execute failed"); merr != nil {
				h.logger.Error("failed to undo execute move",
					zap.String("task_id", taskID), zap.Error(merr))
			}
		}
		respondServiceError(c, h.logger, err, "execution not started")
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (h *AgentHandlers) httpStopTask(c *gin.Context) {
	err := h.manager.Stop(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, session.ErrNoActiveSession) {
		c.JSON(http.StatusOK, v1.StopTaskResponse{Stopped: false})
		return
	}
	if err != nil {
		respondServiceError(c, h.logger, err, "session not stopped")
		return
	}
	c.JSON(http.StatusOK, v1.StopTaskResponse{Stopped: true})
}

func (h *AgentHandlers) httpRegeneratePlan(c *gin.Context) {
	h.startPlanning(c, "plan_regenerate")
}

func (h *AgentHandlers) httpRegenerateCriteria(c *gin.Context) {
	h.startPlanning(c, "criteria_regenerate")
}

// startPlanning kicks the pipeline and answers with the task so clients
// observe planningStatus=running immediately. The run itself is async.
func (h *AgentHandlers) startPlanning(c *gin.Context, trigger string) {
	ctx := c.Request.Context()
	workspaceID, taskID := c.Param("id"), c.Param("taskId")

	if err := h.planning.Start(ctx, workspaceID, taskID, trigger); err != nil {
		respondServiceError(c, h.logger, err, "planning not started")
		return
	}
	task, err := h.tasks.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		respondServiceError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (h *AgentHandlers) httpGetSummary(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "task not found")
		return
	}
	if task.Summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task has no summary"})
		return
	}
	c.JSON(http.StatusOK, task.Summary)
}

func (h *AgentHandlers) httpGenerateSummary(c *gin.Context) {
	task, err := h.manager.GenerateSummary(c.Request.Context(), c.Param("id"), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, h.logger, err, "summary not generated")
		return
	}
	c.JSON(http.StatusOK, task.Summary)
}

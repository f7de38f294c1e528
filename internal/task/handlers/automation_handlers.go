package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/automation"
	"github.com/taskflow/taskflow/internal/common/logger"
	v1 "github.com/taskflow/taskflow/pkg/api/v1"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

type AutomationHandlers struct {
	automation *automation.Controller
	logger     *logger.Logger
}

func NewAutomationHandlers(ctrl *automation.Controller, log *logger.Logger) *AutomationHandlers {
	return &AutomationHandlers{
		automation: ctrl,
		logger:     log.WithFields(zap.String("component", "automation-handlers")),
	}
}

func RegisterAutomationRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, ctrl *automation.Controller, log *logger.Logger) {
	handlers := NewAutomationHandlers(ctrl, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *AutomationHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/workspaces/:id/automation", h.httpGetAutomation)
	api.PATCH("/workspaces/:id/automation", h.httpPatchAutomation)
	api.POST("/workspaces/:id/queue/start", h.httpStartQueue)
	api.POST("/workspaces/:id/queue/stop", h.httpStopQueue)
	api.POST("/workspaces/:id/queue/status", h.httpQueueStatus)
}

func (h *AutomationHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.Register(ws.ActionQueueStatus, h.wsQueueStatus)
}

// HTTP handlers

func (h *AutomationHandlers) httpGetAutomation(c *gin.Context) {
	status, err := h.automation.AutomationStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, h.logger, err, "automation status not read")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AutomationHandlers) httpPatchAutomation(c *gin.Context) {
	var req v1.PatchAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	status, err := h.automation.PatchAutomation(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondServiceError(c, h.logger, err, "automation not updated")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AutomationHandlers) httpStartQueue(c *gin.Context) {
	status, err := h.automation.StartQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, h.logger, err, "queue not started")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AutomationHandlers) httpStopQueue(c *gin.Context) {
	status, err := h.automation.StopQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, h.logger, err, "queue not stopped")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AutomationHandlers) httpQueueStatus(c *gin.Context) {
	status, err := h.automation.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, h.logger, err, "queue status not read")
		return
	}
	c.JSON(http.StatusOK, status)
}

// WS handlers

func (h *AutomationHandlers) wsQueueStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
	}
	if req.WorkspaceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "workspaceId is required", nil)
	}
	status, err := h.automation.Status(ctx, req.WorkspaceID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, status)
}

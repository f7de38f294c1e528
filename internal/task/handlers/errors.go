package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/agent/sdk"
	"github.com/taskflow/taskflow/internal/common/logger"
	"github.com/taskflow/taskflow/internal/planning"
	"github.com/taskflow/taskflow/internal/session"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
	"github.com/taskflow/taskflow/internal/task/store"
)

// respondServiceError maps service failures onto HTTP statuses: bad input
// 400, unknown records 404, lifecycle collisions 409, anything else a
// logged 500 carrying only the fallback message.
func respondServiceError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, taskservice.ErrValidation),
		errors.Is(err, store.ErrInvalidReorder):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrWorkspaceNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrMoveNotAllowed),
		errors.Is(err, store.ErrWorkspaceExists),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, planning.ErrPlanningActive),
		errors.Is(err, sdk.ErrNoSessionFile):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

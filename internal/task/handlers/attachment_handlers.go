package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	taskservice "github.com/taskflow/taskflow/internal/task/service"
)

// maxAttachmentBytes caps one multipart upload.
const maxAttachmentBytes = 32 << 20

type AttachmentHandlers struct {
	tasks  *taskservice.Service
	logger *logger.Logger
}

func NewAttachmentHandlers(tasks *taskservice.Service, log *logger.Logger) *AttachmentHandlers {
	return &AttachmentHandlers{
		tasks:  tasks,
		logger: log.WithFields(zap.String("component", "attachment-handlers")),
	}
}

func RegisterAttachmentRoutes(router *gin.Engine, tasks *taskservice.Service, log *logger.Logger) {
	handlers := NewAttachmentHandlers(tasks, log)
	handlers.registerHTTP(router)
}

func (h *AttachmentHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/workspaces/:id/tasks/:taskId/attachments", h.httpUploadAttachment)
	api.GET("/workspaces/:id/tasks/:taskId/attachments/:storedName", h.httpDownloadAttachment)
}

// httpUploadAttachment stores one multipart file under the "file" field.
func (h *AttachmentHandlers) httpUploadAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAttachmentBytes)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	src, err := file.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload not read"})
		return
	}
	defer src.Close()

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	att, err := h.tasks.AddAttachment(c.Request.Context(), c.Param("id"), c.Param("taskId"),
		file.Filename, mimeType, src)
	if err != nil {
		respondServiceError(c, h.logger, err, "attachment not stored")
		return
	}
	c.JSON(http.StatusCreated, att)
}

// httpDownloadAttachment serves a stored attachment by its stored name.
// Unknown names, including traversal attempts, come back 404.
func (h *AttachmentHandlers) httpDownloadAttachment(c *gin.Context) {
	path, err := h.tasks.AttachmentPath(c.Param("id"), c.Param("taskId"), c.Param("storedName"))
	if err != nil {
		respondServiceError(c, h.logger, err, "attachment not found")
		return
	}
	c.File(path)
}

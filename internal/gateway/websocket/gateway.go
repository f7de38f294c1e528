package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/common/logger"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

// Gateway bundles the hub, dispatcher, and connection handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway bridging the activity stream.
// Callers register their board actions on Dispatcher before serving.
func NewGateway(stream *activity.Stream, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	dispatcher.Register(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "taskflow",
		})
	})

	hub := NewHub(stream, dispatcher, log)
	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, log),
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent; pings go out at
	// pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Board reads and subscription
	// requests are tiny; anything near this limit is a broken client.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the per-client outbound queue. Broadcasts to a
	// full queue are dropped rather than blocking the stream.
	sendBufferSize = 256
)

// Client is one WebSocket connection. The hub owns the send channel's
// lifecycle and the subscriptions map; both are mutated only under the
// hub's lock.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // workspace ids this client joined
	logger        *logger.Logger
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads frames from the peer until the connection dies. It
// owns the read side of the connection and unregisters the client on
// the way out.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// handleMessage routes one inbound frame. Subscription changes need the
// client itself, so they bypass the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionSubscribe:
		c.changeSubscription(msg, true)
		return
	case ws.ActionUnsubscribe:
		c.changeSubscription(msg, false)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// changeSubscription joins or leaves a workspace feed. The ack is
// queued after the hub mutation, so a client that sees the ack knows
// the subscription state is already in effect.
func (c *Client) changeSubscription(msg *ws.Message, join bool) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.WorkspaceID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "workspaceId is required", nil)
		return
	}

	if join {
		c.hub.Subscribe(c, req.WorkspaceID)
	} else {
		c.hub.Unsubscribe(c, req.WorkspaceID)
	}

	ack, _ := ws.NewResponse(msg.ID, msg.Action, ws.SubscribeAck{
		WorkspaceID: req.WorkspaceID,
		Subscribed:  join,
	})
	c.sendMessage(ack)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.String("action", msg.Action))
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to build error frame", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump owns the write side of the connection: it drains the send
// queue, batching queued frames newline-separated into one write, and
// keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			for i := len(c.send); i > 0; i-- {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package websocket is the live-update gateway: clients connect to /ws,
// subscribe to workspaces, and receive every activity-stream broadcast
// for those workspaces as notification frames.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/activity"
	"github.com/taskflow/taskflow/internal/common/logger"
	ws "github.com/taskflow/taskflow/pkg/websocket"
)

// Hub manages all WebSocket client connections and their workspace
// subscriptions. It holds one activity-stream subscription per
// workspace with at least one subscriber, so idle workspaces cost
// nothing.
type Hub struct {
	stream     *activity.Stream
	dispatcher *ws.Dispatcher

	register   chan *Client
	unregister chan *Client

	mu                   sync.RWMutex
	clients              map[*Client]bool
	workspaceSubscribers map[string]map[*Client]bool
	streamSubs           map[string]func()

	logger *logger.Logger
}

// NewHub creates a hub bridging the activity stream to WebSocket
// clients.
func NewHub(stream *activity.Stream, dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		stream:               stream,
		dispatcher:           dispatcher,
		register:             make(chan *Client),
		unregister:           make(chan *Client),
		clients:              make(map[*Client]bool),
		workspaceSubscribers: make(map[string]map[*Client]bool),
		streamSubs:           make(map[string]func()),
		logger:               log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workspaceSubscribers = make(map[string]map[*Client]bool)
	for workspaceID, unsubscribe := range h.streamSubs {
		unsubscribe()
		delete(h.streamSubs, workspaceID)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for workspaceID := range client.subscriptions {
		h.dropSubscriberLocked(client, workspaceID)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe joins a client to a workspace's broadcast feed. The first
// subscriber of a workspace opens the underlying activity-stream
// subscription.
func (h *Hub) Subscribe(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.workspaceSubscribers[workspaceID]; !ok {
		h.workspaceSubscribers[workspaceID] = make(map[*Client]bool)
		h.streamSubs[workspaceID] = h.stream.Subscribe(workspaceID, func(event activity.Event) {
			h.forward(event)
		})
	}
	h.workspaceSubscribers[workspaceID][client] = true
	client.subscriptions[workspaceID] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("workspace_id", workspaceID))
}

// Unsubscribe removes a client from a workspace's broadcast feed. The
// last subscriber leaving closes the activity-stream subscription.
func (h *Hub) Unsubscribe(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, workspaceID)
	h.dropSubscriberLocked(client, workspaceID)
}

func (h *Hub) dropSubscriberLocked(client *Client, workspaceID string) {
	clients, ok := h.workspaceSubscribers[workspaceID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(h.workspaceSubscribers, workspaceID)
	if unsubscribe, ok := h.streamSubs[workspaceID]; ok {
		unsubscribe()
		delete(h.streamSubs, workspaceID)
	}
}

// forward turns an activity-stream event into a notification frame and
// fans it out. Stream handlers must not block, so full client buffers
// drop the frame; the write pump cleans up dead clients.
func (h *Hub) forward(event activity.Event) {
	msg, err := ws.NewNotification(event.Kind, event.Payload)
	if err != nil {
		h.logger.Error("failed to build notification",
			zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.workspaceSubscribers[event.WorkspaceID] {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping frame, client buffer full",
				zap.String("client_id", client.ID),
				zap.String("workspace_id", event.WorkspaceID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher for action registration.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

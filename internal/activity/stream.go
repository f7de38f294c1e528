package activity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/common/logger"
)

// Handler receives events for one workspace. Handlers are invoked
// synchronously in publish order and must not block; slow consumers buffer
// internally (the websocket hub buffers per client).
type Handler func(event Event)

// Stream fans events out to workspace subscribers
type Stream struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]Handler // workspaceID -> subscription id -> handler
	nextID      int64
	logger      *logger.Logger
}

// NewStream creates an empty fan-out stream
func NewStream(log *logger.Logger) *Stream {
	return &Stream{
		subscribers: make(map[string]map[int64]Handler),
		logger:      log,
	}
}

// Subscribe registers a handler for one workspace. The returned function
// removes the subscription and is safe to call more than once.
func (s *Stream) Subscribe(workspaceID string, handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.subscribers[workspaceID] == nil {
		s.subscribers[workspaceID] = make(map[int64]Handler)
	}
	s.subscribers[workspaceID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subscribers[workspaceID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.subscribers, workspaceID)
				}
			}
		})
	}
}

// Broadcast delivers an event to every subscriber of the workspace. A
// panicking handler is recovered and logged; it never blocks or removes the
// other subscribers.
func (s *Stream) Broadcast(workspaceID, kind string, payload interface{}) {
	event := Event{WorkspaceID: workspaceID, Kind: kind, Payload: payload}

	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.subscribers[workspaceID]))
	for _, h := range s.subscribers[workspaceID] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		s.dispatch(h, event)
	}
}

// SubscriberCount reports how many handlers a workspace has
func (s *Stream) SubscriberCount(workspaceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[workspaceID])
}

func (s *Stream) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("activity stream handler panicked",
				zap.String("workspace_id", event.WorkspaceID),
				zap.String("kind", event.Kind),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

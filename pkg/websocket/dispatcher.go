package websocket

import "context"

// HandlerFunc processes one request frame and returns the frame to send
// back. Protocol-level failures should be reported as an error frame;
// a returned error means the handler itself broke.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request frames to the handler registered for their
// action. All registration happens during startup, before any
// connection is served, so lookups need no locking.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds an action to its handler, replacing any earlier binding.
func (d *Dispatcher) Register(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch invokes the handler for msg.Action. An unknown action yields
// an UNKNOWN_ACTION error frame, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}

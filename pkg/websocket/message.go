// Package websocket defines the frame protocol spoken on the gateway's
// /ws endpoint: one JSON envelope covers client requests, server
// responses, error replies, and server-push notifications.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope shared by every frame. Requests carry a
// client-chosen ID echoed back on the matching response or error;
// notifications are unsolicited and leave ID empty.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of MessageTypeError frames.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Values for ErrorPayload.Code.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

func newMessage(msgType MessageType, id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      msgType,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds a client request frame.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeRequest, id, action, payload)
}

// NewResponse builds the response to the request carrying id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeResponse, id, action, payload)
}

// NewNotification builds a server-push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeNotification, "", action, payload)
}

// NewError builds an error frame answering the request carrying id.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(MessageTypeError, id, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload unmarshals the payload into v. A missing payload is not
// an error; v is left untouched.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

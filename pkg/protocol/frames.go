// Package protocol defines the wire frames and method names of the gateway
// WebSocket control plane.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client-to-server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one request.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the structured error carried by failed responses.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server push not tied to any request.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewOK builds a success response for a request ID.
func NewOK(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// NewError builds a failure response for a request ID.
func NewError(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds a server push frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// Well-known error codes.
const (
	ErrUnknownMethod = "unknown_method"
	ErrBadParams     = "bad_params"
	ErrUnauthorized  = "unauthorized"
	ErrNotFound      = "not_found"
	ErrConflict      = "conflict"
	ErrInternal      = "internal"
)

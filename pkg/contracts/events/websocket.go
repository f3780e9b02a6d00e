// Package events contains the event contract for WebSocket communication
// between entitlementd and its UI clients.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Entitlement messages mirror session events
	MessageTypeLoading  MessageType = "entitlement:loading"
	MessageTypeVerified MessageType = "entitlement:verified"
	MessageTypeLogout   MessageType = "entitlement:logout"
	MessageTypeUpsell   MessageType = "entitlement:upsell"

	// Sent in reply to a client "state" request
	MessageTypeState MessageType = "entitlement:state"

	// Connection messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// Inbound client message types
const (
	ClientHeartbeat = "heartbeat"
	ClientState     = "state"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data   interface{} `json:"data,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ClientMessage is what clients send to the server
type ClientMessage struct {
	Type string `json:"type"`
}

// ConnectData is the payload of the connect message
type ConnectData struct {
	ClientID string      `json:"client_id"`
	Status   string      `json:"status"`
	State    interface{} `json:"state,omitempty"`
}

// ErrorData is the payload of an error message
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

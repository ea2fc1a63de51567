package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeSyncCompleted      MessageType = "sync.completed"
	TypeSyncFailed         MessageType = "sync.failed"
	TypeConflictDetected   MessageType = "conflict.detected"
	TypeConnectionDegraded MessageType = "connection.degraded"

	// Client -> Server command types
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	// Server -> Client response types
	TypeSubscribeAck MessageType = "subscribe.ack"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// command is a client message with its payload left encoded.
type command struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncPayload is the payload for sync.completed events.
type SyncPayload struct {
	ConnectionID      string `json:"connection_id"`
	SyncLogID         string `json:"sync_log_id"`
	Trigger           string `json:"trigger"`
	Status            string `json:"status"`
	EventsCreated     int    `json:"events_created"`
	EventsUpdated     int    `json:"events_updated"`
	EventsDeleted     int    `json:"events_deleted"`
	EventsPushed      int    `json:"events_pushed"`
	EventsSkipped     int    `json:"events_skipped"`
	ConflictsDetected int    `json:"conflicts_detected"`
	ConflictsResolved int    `json:"conflicts_resolved"`
	DurationMS        int64  `json:"duration_ms"`
}

// SyncFailedPayload is the payload for sync.failed events.
type SyncFailedPayload struct {
	ConnectionID string `json:"connection_id"`
	SyncLogID    string `json:"sync_log_id,omitempty"`
	Error        string `json:"error"`
	Message      string `json:"message"`
}

// ConflictPayload is the payload for conflict.detected events.
type ConflictPayload struct {
	ConflictID    string `json:"conflict_id"`
	ConnectionID  string `json:"connection_id"`
	EventID       string `json:"event_id"`
	Kind          string `json:"kind"`
	InternalTitle string `json:"internal_title"`
	ExternalTitle string `json:"external_title"`
}

// DegradedPayload is the payload for connection.degraded events.
type DegradedPayload struct {
	ConnectionID string `json:"connection_id"`
	Provider     string `json:"provider"`
	Message      string `json:"message"`
}

// SubscribePayload selects the connections a client receives events for.
type SubscribePayload struct {
	ConnectionIDs []string `json:"connection_ids"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}

package websocket

import (
	"log"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// EventBroadcaster turns sync outcomes into WebSocket events.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// SyncCompleted sends a sync.completed event.
func (b *EventBroadcaster) SyncCompleted(conn *models.Connection, l *models.SyncLog) {
	payload := SyncPayload{
		ConnectionID:      conn.ID,
		SyncLogID:         l.ID,
		Trigger:           string(l.Trigger),
		Status:            l.Status,
		EventsCreated:     l.EventsCreated,
		EventsUpdated:     l.EventsUpdated,
		EventsDeleted:     l.EventsDeleted,
		EventsPushed:      l.EventsPushed,
		EventsSkipped:     l.EventsSkipped,
		ConflictsDetected: l.ConflictsDetected,
		ConflictsResolved: l.ConflictsResolved,
		DurationMS:        l.DurationMS,
	}
	b.publish(conn, NewMessage(TypeSyncCompleted, payload))
}

// SyncFailed sends a sync.failed event.
func (b *EventBroadcaster) SyncFailed(conn *models.Connection, l *models.SyncLog, err error) {
	payload := SyncFailedPayload{
		ConnectionID: conn.ID,
		Error:        errorCode(err),
		Message:      err.Error(),
	}
	if l != nil {
		payload.SyncLogID = l.ID
	}
	b.publish(conn, NewMessage(TypeSyncFailed, payload))
}

// ConflictDetected sends a conflict.detected event.
func (b *EventBroadcaster) ConflictDetected(conn *models.Connection, c *models.Conflict) {
	payload := ConflictPayload{
		ConflictID:    c.ID,
		ConnectionID:  conn.ID,
		EventID:       c.EventID,
		Kind:          string(c.Kind),
		InternalTitle: c.InternalSnapshot.Title,
		ExternalTitle: c.ExternalSnapshot.Title,
	}
	b.publish(conn, NewMessage(TypeConflictDetected, payload))
}

// ConnectionDegraded sends a connection.degraded event.
func (b *EventBroadcaster) ConnectionDegraded(conn *models.Connection, err error) {
	payload := DegradedPayload{
		ConnectionID: conn.ID,
		Provider:     string(conn.Provider),
		Message:      err.Error(),
	}
	b.publish(conn, NewMessage(TypeConnectionDegraded, payload))
}

func errorCode(err error) string {
	switch {
	case provider.IsAuth(err), provider.IsUnauthorized(err):
		return "auth_error"
	case provider.IsTransient(err):
		return "transient_error"
	case provider.IsCancelled(err):
		return "cancelled"
	default:
		return "sync_error"
	}
}

// publish sends a message to the connection owner's clients.
func (b *EventBroadcaster) publish(conn *models.Connection, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}

	b.hub.Publish(conn.UserID, conn.ID, data)
}

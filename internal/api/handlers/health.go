package handlers

import (
	"net/http"

	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.PingContext(r.Context()) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Connections         int `json:"connections"`
	EnabledConnections  int `json:"enabled_connections"`
	DegradedConnections int `json:"degraded_connections"`
	Events              int `json:"events"`
	PendingPush         int `json:"pending_push"`
	OpenConflicts       int `json:"open_conflicts"`
	QueuedSyncs         int `json:"queued_syncs"`
	WebSocketClients    int `json:"websocket_clients"`
}

// Status returns a handler that provides system status information.
func Status(db *storage.DB, scheduler *calendar.Scheduler, hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var resp StatusResponse

		db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(sync_enabled), 0), COALESCE(SUM(degraded), 0) FROM connections
		`).Scan(&resp.Connections, &resp.EnabledConnections, &resp.DegradedConnections)

		db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(pending_push), 0) FROM events
		`).Scan(&resp.Events, &resp.PendingPush)

		db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conflicts WHERE status IN ('detected', 'needs_manual_review')
		`).Scan(&resp.OpenConflicts)

		if scheduler != nil {
			resp.QueuedSyncs = scheduler.Pending()
		}
		if hub != nil {
			resp.WebSocketClients = hub.ClientCount()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

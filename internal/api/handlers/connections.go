package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/calsync/backend/internal/api/middleware"
	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage/models"
)

// Connection request/response types

type CreateConnectionRequest struct {
	UserID     string            `json:"user_id"`
	Provider   models.Provider   `json:"provider"`
	CalendarID string            `json:"calendar_id"`
	Settings   calendar.Settings `json:"settings"`
}

type ConnectionResponse struct {
	models.Connection
	State string `json:"state"`
}

type AuthorizeResponse struct {
	URL string `json:"url"`
}

type SyncAcceptedResponse struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
}

func connectionResponse(conn *models.Connection, scheduler *calendar.Scheduler) ConnectionResponse {
	resp := ConnectionResponse{Connection: *conn, State: calendar.StateIdle}
	if scheduler != nil {
		resp.State = scheduler.State(conn.ID)
	}
	return resp
}

// ListConnections returns the connections of the user given by ?user_id=.
func ListConnections(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := engine.ListConnections(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			writeError(w, err)
			return
		}

		response := make([]ConnectionResponse, 0, len(conns))
		for i := range conns {
			response = append(response, connectionResponse(&conns[i], scheduler))
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// GetConnection returns a single connection by ID.
func GetConnection(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := engine.GetConnection(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, connectionResponse(conn, scheduler))
	}
}

// CreateConnection connects a calendar that needs no authorization, such
// as a published iCal feed, and queues its first sync.
func CreateConnection(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateConnectionRequest
		if !decode(w, r, &req) {
			return
		}
		if req.UserID == "" || req.CalendarID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "user_id and calendar_id are required")
			return
		}
		if req.Provider == "" {
			req.Provider = models.ProviderICS
		}

		conn, err := engine.Connect(r.Context(), req.UserID, req.Provider, req.CalendarID, req.Settings)
		if err != nil {
			writeError(w, err)
			return
		}
		if scheduler != nil {
			_ = scheduler.TriggerManual(conn.ID)
		}
		writeJSON(w, http.StatusCreated, connectionResponse(conn, scheduler))
	}
}

// Authorize returns the provider consent URL for ?user_id=&provider=&calendar_id=.
func Authorize(engine *calendar.Engine, redirectURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		calendarID := q.Get("calendar_id")
		if calendarID == "" {
			calendarID = "primary"
		}

		url, err := engine.AuthorizeURL(q.Get("user_id"), models.Provider(q.Get("provider")), calendarID, redirectURL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AuthorizeResponse{URL: url})
	}
}

// OAuthCallback completes the consent flow and queues a sync of the
// created or re-authorized connection.
func OAuthCallback(engine *calendar.Engine, scheduler *calendar.Scheduler, redirectURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if reason := q.Get("error"); reason != "" {
			middleware.WriteError(w, http.StatusUnauthorized, middleware.ErrUnauthorized, "Authorization denied: "+reason)
			return
		}
		if q.Get("state") == "" || q.Get("code") == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "state and code are required")
			return
		}

		conn, err := engine.CompleteAuthorization(r.Context(), q.Get("state"), q.Get("code"), redirectURL)
		if err != nil {
			writeError(w, err)
			return
		}
		if scheduler != nil {
			_ = scheduler.TriggerManual(conn.ID)
		}
		writeJSON(w, http.StatusOK, connectionResponse(conn, scheduler))
	}
}

// UpdateConnection changes the sync settings of a connection.
func UpdateConnection(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.Settings
		if !decode(w, r, &req) {
			return
		}

		conn, err := engine.UpdateSettings(r.Context(), mux.Vars(r)["id"], req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, connectionResponse(conn, scheduler))
	}
}

// DeleteConnection removes a connection with its events and history.
func DeleteConnection(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.DeleteConnection(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetConnectionEnabled handles /enable and /disable.
func SetConnectionEnabled(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabled := strings.HasSuffix(r.URL.Path, "/enable")

		conn, err := engine.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		if enabled && scheduler != nil {
			_ = scheduler.TriggerManual(conn.ID)
		}
		writeJSON(w, http.StatusOK, connectionResponse(conn, scheduler))
	}
}

// SyncConnection queues a manual sync. A connection that is already due or
// running answers 409.
func SyncConnection(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := engine.GetConnection(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		if !conn.SyncEnabled {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Sync is disabled for this connection")
			return
		}
		if scheduler == nil {
			writeError(w, errors.New("scheduler not running"))
			return
		}

		if err := scheduler.TriggerManual(conn.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, SyncAcceptedResponse{
			ConnectionID: conn.ID,
			State:        scheduler.State(conn.ID),
		})
	}
}

// ListSyncLogs returns the recent passes of a connection (?limit=).
func ListSyncLogs(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		logs, err := engine.ListSyncLogs(r.Context(), mux.Vars(r)["id"], limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if logs == nil {
			logs = []models.SyncLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calsync/backend/internal/api/middleware"
	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage/models"
)

// Push notification headers sent by the calendar provider.
const (
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceState = "X-Goog-Resource-State"
)

// Webhook receives change notifications for subscribed calendars and queues
// a pull of the affected connection.
func Webhook(engine *calendar.Engine, scheduler *calendar.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := models.Provider(mux.Vars(r)["provider"])
		token := r.Header.Get(HeaderChannelToken)
		channelID := r.Header.Get(HeaderChannelID)
		if token == "" || channelID == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Missing channel headers")
			return
		}

		conn, err := engine.ConnectionForWebhook(r.Context(), token, channelID)
		if err != nil {
			writeError(w, err)
			return
		}
		if conn.Provider != kind {
			middleware.WriteError(w, http.StatusUnauthorized, middleware.ErrUnauthorized, "Channel does not belong to this provider")
			return
		}

		// The first notification on a new channel only confirms it.
		if r.Header.Get(HeaderResourceState) == "sync" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !conn.SyncEnabled || conn.Degraded {
			w.WriteHeader(http.StatusOK)
			return
		}

		err = scheduler.TriggerWebhook(conn.ID)
		switch {
		case err == nil, errors.Is(err, calendar.ErrSyncInProgress):
			w.WriteHeader(http.StatusOK)
		default:
			log.Printf("Webhook for connection %s not queued: %v", conn.ID, err)
			writeError(w, err)
		}
	}
}

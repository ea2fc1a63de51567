package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage/models"
)

// ListEvents returns the stored events of a connection.
func ListEvents(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.ListEvents(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		if events == nil {
			events = []models.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// CreateEvent stores an internal event and marks it for export.
func CreateEvent(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.EventInput
		if !decode(w, r, &req) {
			return
		}

		ev, err := engine.CreateEvent(r.Context(), mux.Vars(r)["id"], req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

// UpdateEvent applies an internal edit to an event.
func UpdateEvent(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.EventInput
		if !decode(w, r, &req) {
			return
		}

		ev, err := engine.UpdateEvent(r.Context(), mux.Vars(r)["id"], req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// CancelEvent cancels an event. The upstream copy is removed on the next push.
func CancelEvent(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.CancelEvent(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

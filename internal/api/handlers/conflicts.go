package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage/models"
)

// ListConflicts returns the conflicts of a connection (?status=).
func ListConflicts(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflicts, err := engine.ListConflicts(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, err)
			return
		}
		if conflicts == nil {
			conflicts = []models.Conflict{}
		}
		writeJSON(w, http.StatusOK, conflicts)
	}
}

// ResolveConflict applies a caller's decision to an open conflict.
func ResolveConflict(engine *calendar.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.ResolveRequest
		if !decode(w, r, &req) {
			return
		}

		c, err := engine.ResolveConflict(r.Context(), mux.Vars(r)["id"], req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

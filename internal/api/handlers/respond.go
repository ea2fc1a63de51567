// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/calsync/backend/internal/api/middleware"
	"github.com/calsync/backend/internal/auth"
	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/conflict"
	"github.com/calsync/backend/internal/provider"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	middleware.WriteJSON(w, status, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}

// writeError maps service errors onto API error responses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calendar.ErrConnectionNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
	case errors.Is(err, calendar.ErrEventNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
	case errors.Is(err, calendar.ErrConflictNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Conflict not found")
	case errors.Is(err, calendar.ErrSyncInProgress):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Sync already in progress")
	case errors.Is(err, conflict.ErrNotOpen):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Conflict is already resolved")
	case errors.Is(err, provider.ErrReadOnly):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrReadOnly, err.Error())
	case errors.Is(err, calendar.ErrQueueFull):
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrUnavailable, "Sync queue is full, try again later")
	case errors.Is(err, calendar.ErrInvalidSettings),
		errors.Is(err, conflict.ErrInvalidSnapshot),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrData):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, provider.ErrAuth), errors.Is(err, provider.ErrUnauthorized):
		middleware.WriteError(w, http.StatusUnauthorized, middleware.ErrUnauthorized, err.Error())
	case errors.Is(err, provider.ErrTransient), errors.Is(err, provider.ErrNotFound):
		middleware.WriteError(w, http.StatusBadGateway, middleware.ErrProvider, err.Error())
	default:
		log.Printf("Request failed: %v", err)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "An unexpected error occurred")
	}
}

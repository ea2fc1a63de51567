// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calsync/backend/internal/api/handlers"
	"github.com/calsync/backend/internal/api/middleware"
	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/websocket"
)

// Deps are the services the API handlers operate on.
type Deps struct {
	DB        *storage.DB
	Engine    *calendar.Engine
	Scheduler *calendar.Scheduler
	Hub       *websocket.Hub

	// OAuthRedirectURL is the callback registered with the providers.
	OAuthRedirectURL string

	// StaticDir is served at the root when set.
	StaticDir string
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	// API subrouter
	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(d.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.DB, d.Scheduler, d.Hub)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub)).Methods("GET")

	// Authorization endpoints
	api.HandleFunc("/connections/authorize", handlers.Authorize(d.Engine, d.OAuthRedirectURL)).Methods("GET")
	api.HandleFunc("/oauth/callback", handlers.OAuthCallback(d.Engine, d.Scheduler, d.OAuthRedirectURL)).Methods("GET")

	// Provider push notifications
	api.HandleFunc("/webhooks/{provider}", handlers.Webhook(d.Engine, d.Scheduler)).Methods("POST")

	// Connection endpoints
	api.HandleFunc("/connections", handlers.ListConnections(d.Engine, d.Scheduler)).Methods("GET")
	api.HandleFunc("/connections", handlers.CreateConnection(d.Engine, d.Scheduler)).Methods("POST")
	api.HandleFunc("/connections/{id}", handlers.GetConnection(d.Engine, d.Scheduler)).Methods("GET")
	api.HandleFunc("/connections/{id}", handlers.UpdateConnection(d.Engine, d.Scheduler)).Methods("PATCH")
	api.HandleFunc("/connections/{id}", handlers.DeleteConnection(d.Engine)).Methods("DELETE")
	api.HandleFunc("/connections/{id}/enable", handlers.SetConnectionEnabled(d.Engine, d.Scheduler)).Methods("POST")
	api.HandleFunc("/connections/{id}/disable", handlers.SetConnectionEnabled(d.Engine, d.Scheduler)).Methods("POST")
	api.HandleFunc("/connections/{id}/sync", handlers.SyncConnection(d.Engine, d.Scheduler)).Methods("POST")
	api.HandleFunc("/connections/{id}/sync-logs", handlers.ListSyncLogs(d.Engine)).Methods("GET")

	// Event endpoints
	api.HandleFunc("/connections/{id}/events", handlers.ListEvents(d.Engine)).Methods("GET")
	api.HandleFunc("/connections/{id}/events", handlers.CreateEvent(d.Engine)).Methods("POST")
	api.HandleFunc("/events/{id}", handlers.UpdateEvent(d.Engine)).Methods("PUT")
	api.HandleFunc("/events/{id}", handlers.CancelEvent(d.Engine)).Methods("DELETE")

	// Conflict endpoints
	api.HandleFunc("/connections/{id}/conflicts", handlers.ListConflicts(d.Engine)).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", handlers.ResolveConflict(d.Engine)).Methods("POST")

	// Serve static frontend files
	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(d.StaticDir)))
	}

	return r
}

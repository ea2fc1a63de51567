// Package models contains the domain models for the application.
package models

import (
	"time"
)

// Provider identifies an external calendar provider.
type Provider string

// Supported providers.
const (
	ProviderGoogle Provider = "google"
	ProviderICS    Provider = "ics"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderICS:
		return true
	}
	return false
}

// Direction controls which halves of a reconciliation pass run.
type Direction string

// Sync directions.
const (
	DirectionBoth         Direction = "both"
	DirectionToExternal   Direction = "to_external"
	DirectionFromExternal Direction = "from_external"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionBoth, DirectionToExternal, DirectionFromExternal:
		return true
	}
	return false
}

// Pulls returns true if external changes are imported.
func (d Direction) Pulls() bool {
	return d == DirectionBoth || d == DirectionFromExternal
}

// Pushes returns true if internal changes are exported.
func (d Direction) Pushes() bool {
	return d == DirectionBoth || d == DirectionToExternal
}

// Strategy names a conflict resolution strategy.
type Strategy string

// Conflict resolution strategies.
const (
	StrategyLastModifiedWins Strategy = "last_modified_wins"
	StrategyInternalWins     Strategy = "internal_wins"
	StrategyExternalWins     Strategy = "external_wins"
	StrategyManual           Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastModifiedWins, StrategyInternalWins, StrategyExternalWins, StrategyManual:
		return true
	}
	return false
}

// Connection is one authorized link between a user and one external calendar.
type Connection struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Provider           Provider   `json:"provider"`
	ExternalCalendarID string     `json:"external_calendar_id"`
	AccessToken        string     `json:"-"`
	RefreshToken       string     `json:"-"`
	TokenExpiry        *time.Time `json:"token_expiry,omitempty"`
	SyncEnabled        bool       `json:"sync_enabled"`
	SyncDirection      Direction  `json:"sync_direction"`
	ConflictStrategy   Strategy   `json:"conflict_strategy"`
	SyncIntervalMin    int        `json:"sync_interval_min"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	SyncState          string     `json:"sync_state"`
	LastStatus         string     `json:"last_status"`
	LastError          *string    `json:"last_error,omitempty"`
	Degraded           bool       `json:"degraded"`
	WebhookID          *string    `json:"webhook_id,omitempty"`
	WebhookResourceID  *string    `json:"-"`
	WebhookExpiry      *time.Time `json:"webhook_expiry,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Sync state constants. A connection is "due" only in the scheduler's memory.
const (
	SyncStateIdle    = "idle"
	SyncStateRunning = "running"
)

// SyncInterval returns the configured interval, falling back to def.
func (c *Connection) SyncInterval(def time.Duration) time.Duration {
	if c.SyncIntervalMin <= 0 {
		return def
	}
	return time.Duration(c.SyncIntervalMin) * time.Minute
}

// IsDue returns true if interval has elapsed since the last successful sync.
func (c *Connection) IsDue(now time.Time, interval time.Duration) bool {
	if c.LastSyncAt == nil {
		return true
	}
	return !now.Before(c.LastSyncAt.Add(interval))
}

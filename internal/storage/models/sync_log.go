package models

import (
	"time"
)

// Trigger identifies what started a reconciliation pass.
type Trigger string

// Trigger constants
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
	TriggerManual    Trigger = "manual"
)

// SyncLog status constants. Connection.LastStatus reuses the terminal values.
const (
	SyncStatusPending = "pending"
	SyncStatusStarted = "started"
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
	SyncStatusPartial = "partial"
)

// SyncLog records one reconciliation pass.
type SyncLog struct {
	ID                string     `json:"id"`
	ConnectionID      string     `json:"connection_id"`
	Trigger           Trigger    `json:"trigger"`
	Direction         Direction  `json:"direction"`
	Status            string     `json:"status"`
	EventsCreated     int        `json:"events_created"`
	EventsUpdated     int        `json:"events_updated"`
	EventsDeleted     int        `json:"events_deleted"`
	EventsPushed      int        `json:"events_pushed"`
	EventsSkipped     int        `json:"events_skipped"`
	ConflictsDetected int        `json:"conflicts_detected"`
	ConflictsResolved int        `json:"conflicts_resolved"`
	Error             *string    `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DurationMS        int64      `json:"duration_ms"`
}

// SyncCounts aggregates the outcome of one pass.
type SyncCounts struct {
	Created           int
	Updated           int
	Deleted           int
	Pushed            int
	Skipped           int
	ConflictsDetected int
	ConflictsResolved int
	Unresolved        int
}

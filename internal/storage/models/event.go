package models

import (
	"time"
)

// EventStatus is the provider-neutral status of a calendar occurrence.
type EventStatus string

// Event status constants
const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusConfirmed, EventStatusTentative, EventStatusCancelled:
		return true
	}
	return false
}

// Origin records which side first observed an event.
type Origin string

// Origin constants
const (
	OriginInternal Origin = "internal"
	OriginExternal Origin = "external"
)

// Event is the reconciled representation of one calendar occurrence.
// (ConnectionID, ExternalID) is unique; ExternalID is nil until the event
// has been created upstream.
type Event struct {
	ID                 string      `json:"id"`
	ConnectionID       string      `json:"connection_id"`
	ExternalID         *string     `json:"external_id,omitempty"`
	TaskID             *string     `json:"task_id,omitempty"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Start              time.Time   `json:"start"`
	End                time.Time   `json:"end"`
	AllDay             bool        `json:"all_day"`
	Location           string      `json:"location,omitempty"`
	Status             EventStatus `json:"status"`
	Origin             Origin      `json:"origin"`
	InternalModifiedAt *time.Time  `json:"internal_modified_at,omitempty"`
	ExternalModifiedAt *time.Time  `json:"external_modified_at,omitempty"`
	ExternalSnapshot   *Snapshot   `json:"external_snapshot,omitempty"`
	PendingPush        bool        `json:"pending_push"`
	SyncedAt           *time.Time  `json:"synced_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Snapshot returns the internal version of the event.
func (e *Event) Snapshot() Snapshot {
	s := Snapshot{
		Version:     SnapshotVersion,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
		Status:      e.Status,
	}
	if e.InternalModifiedAt != nil {
		s.ModifiedAt = *e.InternalModifiedAt
	}
	return s
}

// Apply copies the fields of s onto the event. Timestamps are left alone.
func (e *Event) Apply(s Snapshot) {
	e.Title = s.Title
	e.Description = s.Description
	e.Location = s.Location
	e.Start = s.Start
	e.End = s.End
	e.AllDay = s.AllDay
	e.Status = s.Status
}

// HasExternalID returns true if the event exists upstream.
func (e *Event) HasExternalID() bool {
	return e.ExternalID != nil && *e.ExternalID != ""
}

// ConsistentSince returns the latest point at which both sides were known
// identical: the later of the connection's last successful sync and the
// event's own synced_at.
func (e *Event) ConsistentSince(lastSync *time.Time) time.Time {
	var t time.Time
	if lastSync != nil {
		t = *lastSync
	}
	if e.SyncedAt != nil && e.SyncedAt.After(t) {
		t = *e.SyncedAt
	}
	return t
}

// ModifiedOnBothSides reports whether both sides changed after since.
func (e *Event) ModifiedOnBothSides(since time.Time) bool {
	if e.InternalModifiedAt == nil || e.ExternalModifiedAt == nil {
		return false
	}
	return e.InternalModifiedAt.After(since) && e.ExternalModifiedAt.After(since)
}

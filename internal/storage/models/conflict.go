package models

import (
	"time"
)

// ConflictKind describes what each side did to the occurrence.
type ConflictKind string

// Conflict kind constants
const (
	ConflictUpdateUpdate ConflictKind = "update_update"
	ConflictUpdateDelete ConflictKind = "update_delete" // internal updated, external deleted
	ConflictDeleteUpdate ConflictKind = "delete_update" // internal deleted, external updated
)

// Conflict status constants
const (
	ConflictStatusDetected     = "detected"
	ConflictStatusResolved     = "resolved"
	ConflictStatusManualReview = "needs_manual_review"
)

// Conflict records one event modified on both sides since the last point
// both were known consistent.
type Conflict struct {
	ID               string       `json:"id"`
	EventID          string       `json:"event_id"`
	ConnectionID     string       `json:"connection_id"`
	Kind             ConflictKind `json:"kind"`
	InternalSnapshot Snapshot     `json:"internal_snapshot"`
	ExternalSnapshot Snapshot     `json:"external_snapshot"`
	Strategy         Strategy     `json:"strategy,omitempty"`
	Status           string       `json:"status"`
	ResolvedSnapshot *Snapshot    `json:"resolved_snapshot,omitempty"`
	ResolvedBy       *string      `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	LastError        *string      `json:"last_error,omitempty"`
	DetectedAt       time.Time    `json:"detected_at"`
}

// IsOpen returns true if the conflict still awaits resolution.
func (c *Conflict) IsOpen() bool {
	return c.Status == ConflictStatusDetected || c.Status == ConflictStatusManualReview
}

// ClassifyConflict derives the conflict kind from the two snapshots.
func ClassifyConflict(internal, external Snapshot) ConflictKind {
	switch {
	case internal.Cancelled() && !external.Cancelled():
		return ConflictDeleteUpdate
	case !internal.Cancelled() && external.Cancelled():
		return ConflictUpdateDelete
	default:
		return ConflictUpdateUpdate
	}
}

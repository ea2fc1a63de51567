// Package conflict finds events changed on both sides since they were last
// known consistent and resolves them with a per-connection strategy.
package conflict

import (
	"context"
	"fmt"
	"log"

	"github.com/calsync/backend/internal/storage/models"
)

// EventStore is the event persistence used by detection and resolution.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*models.Event, error)
	ListDualStamped(ctx context.Context, connectionID string) ([]models.Event, error)
	Update(ctx context.Context, e *models.Event) error
	Delete(ctx context.Context, id string) error
}

// Store is the conflict persistence.
type Store interface {
	Create(ctx context.Context, c *models.Conflict) error
	GetOpenByEvent(ctx context.Context, eventID string) (*models.Conflict, error)
	MarkResolved(ctx context.Context, c *models.Conflict, strategy models.Strategy, resolved models.Snapshot, resolvedBy string) error
	MarkNeedsReview(ctx context.Context, c *models.Conflict, strategy models.Strategy, reason string) error
	RecordError(ctx context.Context, c *models.Conflict, errMsg string) error
}

// Detector creates Conflict records.
type Detector struct {
	events    EventStore
	conflicts Store
}

// NewDetector creates a detector.
func NewDetector(events EventStore, conflicts Store) *Detector {
	return &Detector{events: events, conflicts: conflicts}
}

// Detect returns the conflicts newly created for a connection. An event
// qualifies when both modification timestamps are after the later of the
// connection's last successful sync and the event's own synced_at, and no
// open conflict exists for it yet.
func (d *Detector) Detect(ctx context.Context, conn *models.Connection) ([]models.Conflict, error) {
	events, err := d.events.ListDualStamped(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("listing candidate events: %w", err)
	}

	var detected []models.Conflict
	for i := range events {
		if err := ctx.Err(); err != nil {
			return detected, err
		}

		ev := &events[i]
		if !ev.ModifiedOnBothSides(ev.ConsistentSince(conn.LastSyncAt)) {
			continue
		}

		open, err := d.conflicts.GetOpenByEvent(ctx, ev.ID)
		if err != nil {
			return detected, err
		}
		if open != nil {
			continue
		}

		internal := ev.Snapshot()
		external := externalSnapshot(ev)

		c := models.Conflict{
			EventID:          ev.ID,
			ConnectionID:     conn.ID,
			Kind:             models.ClassifyConflict(internal, external),
			InternalSnapshot: internal,
			ExternalSnapshot: external,
		}
		if err := d.conflicts.Create(ctx, &c); err != nil {
			return detected, fmt.Errorf("recording conflict for event %s: %w", ev.ID, err)
		}

		log.Printf("Conflict %s detected on event %s (%s)", c.ID, ev.ID, c.Kind)
		detected = append(detected, c)
	}

	return detected, nil
}

// externalSnapshot returns the last observed external version of an event,
// falling back to the internal fields stamped with the external time.
func externalSnapshot(ev *models.Event) models.Snapshot {
	if ev.ExternalSnapshot != nil {
		s := *ev.ExternalSnapshot
		if ev.ExternalModifiedAt != nil {
			s.ModifiedAt = *ev.ExternalModifiedAt
		}
		return s
	}
	s := ev.Snapshot()
	if ev.ExternalModifiedAt != nil {
		s.ModifiedAt = *ev.ExternalModifiedAt
	}
	return s
}

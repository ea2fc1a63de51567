// Package calendar runs reconciliation passes between stored events and
// external calendars, and schedules them per connection.
package calendar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// EventStore is the event persistence used by the reconciler.
type EventStore interface {
	GetByExternalID(ctx context.Context, connectionID, externalID string) (*models.Event, error)
	Upsert(ctx context.Context, e *models.Event) (bool, error)
	Update(ctx context.Context, e *models.Event) error
	Delete(ctx context.Context, id string) error
	ListPendingPush(ctx context.Context, connectionID string) ([]models.Event, error)
	ListWithExternalID(ctx context.Context, connectionID string) ([]models.Event, error)
}

// OpenConflicts reports whether an event is held by an unresolved conflict.
type OpenConflicts interface {
	GetOpenByEvent(ctx context.Context, eventID string) (*models.Conflict, error)
}

// PullResult counts the outcome of importing external changes.
type PullResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Deferred  int // external change recorded on an event with a pending internal change
	Skipped   int
}

// PushResult counts the outcome of exporting internal changes.
type PushResult struct {
	Pushed   int
	Deleted  int
	Deferred int // external side changed too, or a conflict is open
	Skipped  int
}

type pullOutcome int

const (
	pulledNothing pullOutcome = iota
	pulledCreated
	pulledUpdated
	pulledDeleted
	pulledUnchanged
	pulledDeferred
)

// Reconciler moves changes between the events table and one gateway.
type Reconciler struct {
	events    EventStore
	conflicts OpenConflicts
	now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(events EventStore, conflicts OpenConflicts) *Reconciler {
	return &Reconciler{
		events:    events,
		conflicts: conflicts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func target(conn *models.Connection, cred provider.Credential) provider.Target {
	return provider.Target{CalendarID: conn.ExternalCalendarID, Credential: cred}
}

// Pull imports external changes made since the given time. Per-event
// problems are logged and counted as skipped; gateway failures abort.
func (r *Reconciler) Pull(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential, since time.Time) (PullResult, error) {
	var res PullResult

	listing, err := gw.ListEvents(ctx, target(conn, cred), since)
	if err != nil {
		return res, fmt.Errorf("listing events: %w", err)
	}

	for _, problem := range listing.Problems {
		log.Printf("Skipping external event on connection %s: %v", conn.ID, problem)
		res.Skipped++
	}

	seen := make(map[string]bool, len(listing.Events))
	for _, pe := range listing.Events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		seen[pe.ExternalID] = true
		r.tally(ctx, conn, pe, &res)
	}

	if listing.Complete {
		if err := r.pullOmissions(ctx, conn, seen, &res); err != nil {
			return res, err
		}
	}

	return res, ctx.Err()
}

// pullOmissions treats ids missing from a complete listing as cancelled.
func (r *Reconciler) pullOmissions(ctx context.Context, conn *models.Connection, seen map[string]bool, res *PullResult) error {
	stored, err := r.events.ListWithExternalID(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("listing stored events: %w", err)
	}

	for _, ev := range stored {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[*ev.ExternalID] {
			continue
		}
		tombstone := provider.Event{
			ExternalID:   *ev.ExternalID,
			Title:        ev.Title,
			Description:  ev.Description,
			Location:     ev.Location,
			Start:        ev.Start,
			End:          ev.End,
			AllDay:       ev.AllDay,
			Status:       models.EventStatusCancelled,
			LastModified: r.now(),
		}
		r.tally(ctx, conn, tombstone, res)
	}
	return nil
}

func (r *Reconciler) tally(ctx context.Context, conn *models.Connection, pe provider.Event, res *PullResult) {
	outcome, err := r.pullEvent(ctx, conn, pe)
	if err != nil {
		log.Printf("Error pulling event %s on connection %s: %v", pe.ExternalID, conn.ID, err)
		res.Skipped++
		return
	}
	switch outcome {
	case pulledCreated:
		res.Created++
	case pulledUpdated:
		res.Updated++
	case pulledDeleted:
		res.Deleted++
	case pulledUnchanged:
		res.Unchanged++
	case pulledDeferred:
		res.Deferred++
	}
}

func (r *Reconciler) pullEvent(ctx context.Context, conn *models.Connection, pe provider.Event) (pullOutcome, error) {
	existing, err := r.events.GetByExternalID(ctx, conn.ID, pe.ExternalID)
	if err != nil {
		return pulledNothing, err
	}

	snap := pe.Snapshot()
	modified := pe.LastModified.UTC()
	now := r.now()

	if existing == nil {
		if pe.Cancelled() {
			return pulledNothing, nil
		}
		if err := snap.Validate(); err != nil {
			return pulledNothing, fmt.Errorf("%w: %v", provider.ErrData, err)
		}

		extID := pe.ExternalID
		ev := &models.Event{
			ConnectionID:       conn.ID,
			ExternalID:         &extID,
			Origin:             models.OriginExternal,
			ExternalModifiedAt: &modified,
			ExternalSnapshot:   &snap,
			SyncedAt:           &now,
		}
		ev.Apply(snap)

		created, err := r.events.Upsert(ctx, ev)
		if err != nil {
			return pulledNothing, err
		}
		if created {
			return pulledCreated, nil
		}
		return pulledUpdated, nil
	}

	if existing.ExternalModifiedAt != nil && !modified.After(*existing.ExternalModifiedAt) {
		return pulledUnchanged, nil
	}

	// A pending internal change made since the event was last consistent
	// is kept and the external version set aside for conflict detection.
	// An older one lost to this external edit.
	if existing.PendingPush {
		if existing.InternalModifiedAt == nil || existing.InternalModifiedAt.After(existing.ConsistentSince(conn.LastSyncAt)) {
			existing.ExternalModifiedAt = &modified
			existing.ExternalSnapshot = &snap
			if err := r.events.Update(ctx, existing); err != nil {
				return pulledNothing, err
			}
			return pulledDeferred, nil
		}
		log.Printf("Discarding stale internal change of event %s on connection %s", existing.ID, conn.ID)
		existing.PendingPush = false
	}

	if pe.Cancelled() {
		if err := r.events.Delete(ctx, existing.ID); err != nil {
			return pulledNothing, err
		}
		return pulledDeleted, nil
	}

	if err := snap.Validate(); err != nil {
		return pulledNothing, fmt.Errorf("%w: %v", provider.ErrData, err)
	}

	existing.Apply(snap)
	existing.ExternalModifiedAt = &modified
	existing.ExternalSnapshot = &snap
	existing.SyncedAt = &now
	if err := r.events.Update(ctx, existing); err != nil {
		return pulledNothing, err
	}
	return pulledUpdated, nil
}

// Push exports pending internal changes. Events whose external side also
// changed since they were last consistent are left for conflict detection.
func (r *Reconciler) Push(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential) (PushResult, error) {
	var res PushResult
	if !conn.SyncDirection.Pushes() {
		return res, nil
	}

	pending, err := r.events.ListPendingPush(ctx, conn.ID)
	if err != nil {
		return res, fmt.Errorf("listing pending events: %w", err)
	}
	if len(pending) > 0 && gw.Capabilities().ReadOnly {
		log.Printf("Connection %s is read-only, leaving %d pending events", conn.ID, len(pending))
		res.Skipped = len(pending)
		return res, nil
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev := &pending[i]

		held, err := r.held(ctx, conn, ev)
		if err != nil {
			return res, err
		}
		if held {
			res.Deferred++
			continue
		}

		deleted, err := r.pushEvent(ctx, conn, gw, cred, ev)
		switch {
		case err == nil && deleted:
			res.Deleted++
		case err == nil:
			res.Pushed++
		case provider.IsFatal(err):
			return res, err
		default:
			log.Printf("Error pushing event %s on connection %s: %v", ev.ID, conn.ID, err)
			res.Skipped++
		}
	}

	return res, nil
}

// held reports whether a pending event must wait for conflict handling.
func (r *Reconciler) held(ctx context.Context, conn *models.Connection, ev *models.Event) (bool, error) {
	since := ev.ConsistentSince(conn.LastSyncAt)
	if ev.HasExternalID() && ev.ExternalModifiedAt != nil && ev.ExternalModifiedAt.After(since) {
		return true, nil
	}
	open, err := r.conflicts.GetOpenByEvent(ctx, ev.ID)
	if err != nil {
		return false, fmt.Errorf("checking conflicts of event %s: %w", ev.ID, err)
	}
	return open != nil, nil
}

func (r *Reconciler) pushEvent(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential, ev *models.Event) (bool, error) {
	t := target(conn, cred)
	snap := ev.Snapshot()

	if snap.Cancelled() {
		if ev.HasExternalID() {
			err := gw.DeleteEvent(ctx, t, *ev.ExternalID)
			if err != nil && !provider.IsNotFound(err) {
				return false, err
			}
		}
		if err := r.events.Delete(ctx, ev.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	var (
		receipt provider.Receipt
		err     error
	)
	if ev.HasExternalID() {
		receipt, err = gw.UpdateEvent(ctx, t, provider.EventFromSnapshot(*ev.ExternalID, snap))
	} else {
		receipt, err = gw.CreateEvent(ctx, t, provider.EventFromSnapshot("", snap))
	}
	if err != nil {
		return false, err
	}

	if receipt.ExternalID != "" {
		id := receipt.ExternalID
		ev.ExternalID = &id
	}
	stamp := receipt.LastModified.UTC()
	now := r.now()
	if stamp.IsZero() {
		stamp = now
	}
	synced := now
	if stamp.After(synced) {
		synced = stamp
	}

	snap.ModifiedAt = stamp
	ev.ExternalSnapshot = &snap
	ev.ExternalModifiedAt = &stamp
	ev.SyncedAt = &synced
	ev.PendingPush = false

	if err := r.events.Update(ctx, ev); err != nil {
		return false, fmt.Errorf("recording push of event %s: %w", ev.ID, err)
	}
	return false, nil
}

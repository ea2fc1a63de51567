package conflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

var (
	// ErrUnresolved is returned when a conflict was parked for manual review.
	ErrUnresolved = errors.New("conflict: needs manual review")

	// ErrNotOpen is returned when resolving a conflict that is already resolved.
	ErrNotOpen = errors.New("conflict: not open")

	// ErrInvalidSnapshot is returned for unusable manual resolutions.
	ErrInvalidSnapshot = errors.New("conflict: invalid snapshot")
)

// Target is the connection a conflict belongs to, with a usable gateway
// and credential for corrective writes.
type Target struct {
	Connection *models.Connection
	Gateway    provider.Gateway
	Credential provider.Credential
}

func (t Target) providerTarget() provider.Target {
	return provider.Target{CalendarID: t.Connection.ExternalCalendarID, Credential: t.Credential}
}

// writeBlocked returns why the external side may not be written, or "".
func (t Target) writeBlocked() string {
	if !t.Connection.SyncDirection.Pushes() {
		return "sync direction excludes to_external"
	}
	if t.Gateway.Capabilities().ReadOnly {
		return "external calendar is read-only"
	}
	return ""
}

// Resolver applies strategies to detected conflicts.
type Resolver struct {
	events    EventStore
	conflicts Store
	now       func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(events EventStore, conflicts Store) *Resolver {
	return &Resolver{
		events:    events,
		conflicts: conflicts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SystemResolver is the resolver identity recorded for automatic resolutions.
func SystemResolver(s Strategy) string {
	return "system:" + string(s.Name())
}

// Resolve applies s to c. The winning version is written to the losing side
// and onto the event. A manual strategy, or an internal win that cannot be
// written upstream, parks the conflict and returns ErrUnresolved. A failed
// corrective write leaves the conflict detected and returns the write error.
func (r *Resolver) Resolve(ctx context.Context, target Target, c *models.Conflict, s Strategy) (*models.Conflict, error) {
	ev, err := r.events.GetByID(ctx, c.EventID)
	if err != nil {
		return c, err
	}
	if ev == nil {
		// The event was deleted since detection; nothing is left to reconcile.
		if err := r.conflicts.MarkResolved(ctx, c, s.Name(), c.ExternalSnapshot, SystemResolver(s)); err != nil {
			return c, err
		}
		return c, nil
	}

	internal := ev.Snapshot()
	external := externalSnapshot(ev)

	var winner models.Snapshot
	switch s.Decide(internal, external) {
	case SideInternal:
		if reason := target.writeBlocked(); reason != "" {
			return r.park(ctx, c, s.Name(), reason)
		}
		receipt, err := r.writeUpstream(ctx, target, ev, internal, external)
		if err != nil {
			r.recordFailure(ctx, c, err)
			return c, err
		}
		if err := r.settle(ctx, ev, internal, receipt); err != nil {
			return c, err
		}
		winner = internal

	case SideExternal:
		if err := r.settle(ctx, ev, external, provider.Receipt{}); err != nil {
			return c, err
		}
		winner = external

	default:
		return r.park(ctx, c, s.Name(), "manual resolution required")
	}

	if err := r.conflicts.MarkResolved(ctx, c, s.Name(), winner, SystemResolver(s)); err != nil {
		return c, err
	}
	log.Printf("Conflict %s resolved by %s", c.ID, SystemResolver(s))
	return c, nil
}

// ResolveManual applies a caller-supplied version as authoritative on both
// sides.
func (r *Resolver) ResolveManual(ctx context.Context, target Target, c *models.Conflict, snap models.Snapshot, resolvedBy string) (*models.Conflict, error) {
	if !c.IsOpen() {
		return c, ErrNotOpen
	}
	if err := snap.Validate(); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	snap.Version = models.SnapshotVersion
	snap.ModifiedAt = r.now()

	ev, err := r.events.GetByID(ctx, c.EventID)
	if err != nil {
		return c, err
	}
	if ev != nil {
		external := externalSnapshot(ev)

		var receipt provider.Receipt
		if !snap.Equal(external) {
			if reason := target.writeBlocked(); reason != "" {
				return c, fmt.Errorf("%w: %s", provider.ErrReadOnly, reason)
			}
			receipt, err = r.writeUpstream(ctx, target, ev, snap, external)
			if err != nil {
				r.recordFailure(ctx, c, err)
				return c, err
			}
		}
		if err := r.settle(ctx, ev, snap, receipt); err != nil {
			return c, err
		}
	}

	if err := r.conflicts.MarkResolved(ctx, c, models.StrategyManual, snap, resolvedBy); err != nil {
		return c, err
	}
	log.Printf("Conflict %s resolved manually by %s", c.ID, resolvedBy)
	return c, nil
}

func (r *Resolver) park(ctx context.Context, c *models.Conflict, strategy models.Strategy, reason string) (*models.Conflict, error) {
	if err := r.conflicts.MarkNeedsReview(ctx, c, strategy, reason); err != nil {
		return c, err
	}
	log.Printf("Conflict %s needs manual review: %s", c.ID, reason)
	return c, ErrUnresolved
}

func (r *Resolver) recordFailure(ctx context.Context, c *models.Conflict, cause error) {
	if err := r.conflicts.RecordError(context.WithoutCancel(ctx), c, cause.Error()); err != nil {
		log.Printf("Error recording failure on conflict %s: %v", c.ID, err)
	}
}

// writeUpstream makes the external calendar match snap.
func (r *Resolver) writeUpstream(ctx context.Context, target Target, ev *models.Event, snap, external models.Snapshot) (provider.Receipt, error) {
	gw := target.Gateway
	pt := target.providerTarget()

	if snap.Cancelled() {
		if !ev.HasExternalID() || external.Cancelled() {
			return provider.Receipt{}, nil
		}
		err := gw.DeleteEvent(ctx, pt, *ev.ExternalID)
		if err != nil && !provider.IsNotFound(err) {
			return provider.Receipt{}, err
		}
		return provider.Receipt{ExternalID: *ev.ExternalID}, nil
	}

	if ev.HasExternalID() && !external.Cancelled() {
		receipt, err := gw.UpdateEvent(ctx, pt, provider.EventFromSnapshot(*ev.ExternalID, snap))
		if err == nil || !provider.IsNotFound(err) {
			return receipt, err
		}
	}

	// Never created upstream, or deleted there: recreate.
	receipt, err := gw.CreateEvent(ctx, pt, provider.EventFromSnapshot("", snap))
	if err != nil {
		return receipt, err
	}
	id := receipt.ExternalID
	ev.ExternalID = &id
	return receipt, nil
}

// settle writes the winning version onto the event, or deletes the event
// when the winner is a cancellation. Both modification timestamps collapse
// to the winner's; the external one follows the provider's receipt when a
// corrective write produced one.
func (r *Resolver) settle(ctx context.Context, ev *models.Event, winner models.Snapshot, receipt provider.Receipt) error {
	if winner.Cancelled() {
		if err := r.events.Delete(ctx, ev.ID); err != nil {
			return fmt.Errorf("deleting event %s: %w", ev.ID, err)
		}
		return nil
	}

	ts := winner.ModifiedAt.UTC()
	externalTS := ts
	if !receipt.LastModified.IsZero() {
		externalTS = receipt.LastModified.UTC()
	}
	now := r.now()

	ev.Apply(winner)
	ev.InternalModifiedAt = &ts
	ev.ExternalModifiedAt = &externalTS
	snap := winner
	snap.ModifiedAt = externalTS
	ev.ExternalSnapshot = &snap
	ev.PendingPush = false
	ev.SyncedAt = &now

	if err := r.events.Update(ctx, ev); err != nil {
		return fmt.Errorf("updating event %s: %w", ev.ID, err)
	}
	return nil
}

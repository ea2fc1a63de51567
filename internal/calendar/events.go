package calendar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync/backend/internal/conflict"
	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// EventInput is an internal-side create or update of an event.
type EventInput struct {
	TaskID      *string            `json:"task_id,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Location    string             `json:"location"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
	AllDay      bool               `json:"all_day"`
	Status      models.EventStatus `json:"status,omitempty"`
}

func (in EventInput) snapshot() (models.Snapshot, error) {
	status := in.Status
	if status == "" {
		status = models.EventStatusConfirmed
	}
	if status == models.EventStatusCancelled {
		return models.Snapshot{}, fmt.Errorf("%w: use cancel to delete an event", ErrInvalidSettings)
	}
	s := models.Snapshot{
		Version:     models.SnapshotVersion,
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		Start:       in.Start.UTC(),
		End:         in.End.UTC(),
		AllDay:      in.AllDay,
		Status:      status,
	}
	if err := s.Validate(); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return s, nil
}

// writable returns the connection if internal changes can be pushed to it.
func (e *Engine) writable(ctx context.Context, connectionID string) (*models.Connection, error) {
	conn, err := e.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	gw, err := e.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}
	if gw.Capabilities().ReadOnly {
		return nil, fmt.Errorf("%w: %s calendars cannot be written", provider.ErrReadOnly, conn.Provider)
	}
	if !conn.SyncDirection.Pushes() {
		return nil, fmt.Errorf("%w: sync direction is %s", provider.ErrReadOnly, conn.SyncDirection)
	}
	return conn, nil
}

// ListEvents returns the events of a connection.
func (e *Engine) ListEvents(ctx context.Context, connectionID string) ([]models.Event, error) {
	if _, err := e.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return e.stores.Events.ListByConnection(ctx, connectionID)
}

// CreateEvent records a new internal event. It is created upstream by the
// next pass.
func (e *Engine) CreateEvent(ctx context.Context, connectionID string, in EventInput) (*models.Event, error) {
	snap, err := in.snapshot()
	if err != nil {
		return nil, err
	}
	conn, err := e.writable(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ev := &models.Event{
		ConnectionID:       conn.ID,
		TaskID:             in.TaskID,
		Origin:             models.OriginInternal,
		InternalModifiedAt: &now,
		PendingPush:        true,
	}
	ev.Apply(snap)
	if err := e.stores.Events.Create(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *Engine) getEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := e.stores.Events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// UpdateEvent records an internal change to an event.
func (e *Engine) UpdateEvent(ctx context.Context, eventID string, in EventInput) (*models.Event, error) {
	snap, err := in.snapshot()
	if err != nil {
		return nil, err
	}
	ev, err := e.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if _, err := e.writable(ctx, ev.ConnectionID); err != nil {
		return nil, err
	}

	now := e.now()
	ev.Apply(snap)
	if in.TaskID != nil {
		ev.TaskID = in.TaskID
	}
	ev.InternalModifiedAt = &now
	ev.PendingPush = true
	if err := e.stores.Events.Update(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CancelEvent records an internal deletion. Events never created upstream
// are removed immediately.
func (e *Engine) CancelEvent(ctx context.Context, eventID string) error {
	ev, err := e.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if _, err := e.writable(ctx, ev.ConnectionID); err != nil {
		return err
	}

	if !ev.HasExternalID() {
		return e.stores.Events.Delete(ctx, ev.ID)
	}

	now := e.now()
	ev.Status = models.EventStatusCancelled
	ev.InternalModifiedAt = &now
	ev.PendingPush = true
	return e.stores.Events.Update(ctx, ev)
}

// ListConflicts returns the conflicts of a connection, optionally filtered
// by status.
func (e *Engine) ListConflicts(ctx context.Context, connectionID, status string) ([]models.Conflict, error) {
	if _, err := e.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return e.stores.Conflicts.List(ctx, connectionID, status)
}

// ResolveRequest is a caller's decision on an open conflict: either an
// explicit version or a strategy applied to the detected snapshots.
type ResolveRequest struct {
	Snapshot   *models.Snapshot `json:"snapshot,omitempty"`
	Strategy   models.Strategy  `json:"strategy,omitempty"`
	ResolvedBy string           `json:"resolved_by"`
}

// ResolveConflict resolves an open conflict on behalf of a caller. The
// connection is claimed for the duration so the write cannot interleave
// with a pass.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, req ResolveRequest) (*models.Conflict, error) {
	c, err := e.stores.Conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConflictNotFound
	}
	if !c.IsOpen() {
		return c, conflict.ErrNotOpen
	}
	if req.ResolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", ErrInvalidSettings)
	}

	snap, err := chosenSnapshot(c, req)
	if err != nil {
		return nil, err
	}

	conn, err := e.GetConnection(ctx, c.ConnectionID)
	if err != nil {
		return nil, err
	}
	gw, err := e.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	claimed, err := e.stores.Connections.TryBeginSync(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrSyncInProgress
	}
	defer func() {
		if err := e.stores.Connections.EndSync(context.WithoutCancel(ctx), conn.ID); err != nil {
			log.Printf("Failed to release connection %s: %v", conn.ID, err)
		}
	}()

	cred, err := e.guardian.EnsureValid(ctx, conn, gw)
	if err != nil {
		return nil, err
	}

	target := conflict.Target{Connection: conn, Gateway: gw, Credential: cred}
	return e.resolver.ResolveManual(ctx, target, c, snap, req.ResolvedBy)
}

func chosenSnapshot(c *models.Conflict, req ResolveRequest) (models.Snapshot, error) {
	if req.Snapshot != nil {
		return *req.Snapshot, nil
	}
	s, err := conflict.StrategyFor(req.Strategy)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	switch s.Decide(c.InternalSnapshot, c.ExternalSnapshot) {
	case conflict.SideInternal:
		return c.InternalSnapshot, nil
	case conflict.SideExternal:
		return c.ExternalSnapshot, nil
	}
	return models.Snapshot{}, fmt.Errorf("%w: strategy %s needs an explicit snapshot", ErrInvalidSettings, s.Name())
}

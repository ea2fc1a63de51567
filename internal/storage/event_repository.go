package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calsync/backend/internal/storage/models"
)

const eventColumns = `
	id, connection_id, external_id, task_id, title, description, start_at, end_at,
	all_day, location, status, origin, internal_modified_at, external_modified_at,
	external_snapshot, pending_push, synced_at, created_at, updated_at`

// EventRepository provides data access for reconciled events.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func scanEvent(s scanner) (*models.Event, error) {
	var (
		e                  models.Event
		externalID, taskID sql.NullString
		snapshot           sql.NullString
		internalMod        sql.NullTime
		externalMod        sql.NullTime
		syncedAt           sql.NullTime
		status, origin     string
	)
	err := s.Scan(
		&e.ID, &e.ConnectionID, &externalID, &taskID, &e.Title, &e.Description, &e.Start, &e.End,
		&e.AllDay, &e.Location, &status, &origin, &internalMod, &externalMod,
		&snapshot, &e.PendingPush, &syncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExternalID = stringPtr(externalID)
	e.TaskID = stringPtr(taskID)
	e.Status = models.EventStatus(status)
	e.Origin = models.Origin(origin)
	e.InternalModifiedAt = timePtr(internalMod)
	e.ExternalModifiedAt = timePtr(externalMod)
	e.SyncedAt = timePtr(syncedAt)
	e.Start = e.Start.UTC()
	e.End = e.End.UTC()
	if snapshot.Valid {
		var snap models.Snapshot
		if err := snap.Scan(snapshot.String); err != nil {
			return nil, err
		}
		e.ExternalSnapshot = &snap
	}
	return &e, nil
}

func snapshotValue(s *models.Snapshot) (any, error) {
	if s == nil {
		return nil, nil
	}
	return s.Value()
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, e *models.Event) error {
	e.ID = GenerateID()
	e.CreatedAt = r.Now()
	e.UpdatedAt = e.CreatedAt

	snap, err := snapshotValue(e.ExternalSnapshot)
	if err != nil {
		return err
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.ConnectionID, nullString(e.ExternalID), nullString(e.TaskID),
		e.Title, e.Description, e.Start.UTC(), e.End.UTC(), e.AllDay, e.Location,
		string(e.Status), string(e.Origin), nullTime(e.InternalModifiedAt), nullTime(e.ExternalModifiedAt),
		snap, e.PendingPush, nullTime(e.SyncedAt), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Upsert inserts an event keyed by (connection_id, external_id). When the
// pair already exists the existing row is updated in place and keeps its id.
// The returned bool is true when a new row was inserted.
func (r *EventRepository) Upsert(ctx context.Context, e *models.Event) (bool, error) {
	if !e.HasExternalID() {
		return false, fmt.Errorf("upserting event: external id required")
	}

	existing, err := r.GetByExternalID(ctx, e.ConnectionID, *e.ExternalID)
	if err != nil {
		return false, err
	}

	now := r.Now()
	id := GenerateID()
	snap, err := snapshotValue(e.ExternalSnapshot)
	if err != nil {
		return false, err
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, external_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			location = excluded.location,
			status = excluded.status,
			external_modified_at = excluded.external_modified_at,
			external_snapshot = excluded.external_snapshot,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at
	`,
		id, e.ConnectionID, nullString(e.ExternalID), nullString(e.TaskID),
		e.Title, e.Description, e.Start.UTC(), e.End.UTC(), e.AllDay, e.Location,
		string(e.Status), string(e.Origin), nullTime(e.InternalModifiedAt), nullTime(e.ExternalModifiedAt),
		snap, e.PendingPush, nullTime(e.SyncedAt), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("upserting event: %w", err)
	}

	stored, err := r.GetByExternalID(ctx, e.ConnectionID, *e.ExternalID)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, fmt.Errorf("upserting event: row not found after write")
	}
	*e = *stored
	return existing == nil, nil
}

// Update writes every mutable column of an existing event.
func (r *EventRepository) Update(ctx context.Context, e *models.Event) error {
	e.UpdatedAt = r.Now()

	snap, err := snapshotValue(e.ExternalSnapshot)
	if err != nil {
		return err
	}

	_, err = r.DB().ExecContext(ctx, `
		UPDATE events SET
			external_id = ?, task_id = ?, title = ?, description = ?, start_at = ?, end_at = ?,
			all_day = ?, location = ?, status = ?, internal_modified_at = ?, external_modified_at = ?,
			external_snapshot = ?, pending_push = ?, synced_at = ?, updated_at = ?
		WHERE id = ?
	`,
		nullString(e.ExternalID), nullString(e.TaskID), e.Title, e.Description, e.Start.UTC(), e.End.UTC(),
		e.AllDay, e.Location, string(e.Status), nullTime(e.InternalModifiedAt), nullTime(e.ExternalModifiedAt),
		snap, e.PendingPush, nullTime(e.SyncedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	return nil
}

// GetByID retrieves an event by its ID.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return e, nil
}

// GetByExternalID retrieves an event by its dedup key.
func (r *EventRepository) GetByExternalID(ctx context.Context, connectionID, externalID string) (*models.Event, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE connection_id = ? AND external_id = ?
	`, connectionID, externalID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return e, nil
}

// ListByConnection retrieves all events of a connection ordered by start.
func (r *EventRepository) ListByConnection(ctx context.Context, connectionID string) ([]models.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events WHERE connection_id = ? ORDER BY start_at
	`, connectionID)
}

// ListPendingPush retrieves events with internal changes not yet exported.
func (r *EventRepository) ListPendingPush(ctx context.Context, connectionID string) ([]models.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE connection_id = ? AND pending_push = 1
		ORDER BY updated_at
	`, connectionID)
}

// ListWithExternalID retrieves events that exist upstream.
func (r *EventRepository) ListWithExternalID(ctx context.Context, connectionID string) ([]models.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE connection_id = ? AND external_id IS NOT NULL
	`, connectionID)
}

// ListDualStamped retrieves events carrying both an internal and an external
// modification timestamp. Threshold comparison is left to the caller.
func (r *EventRepository) ListDualStamped(ctx context.Context, connectionID string) ([]models.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE connection_id = ?
		  AND internal_modified_at IS NOT NULL
		  AND external_modified_at IS NOT NULL
	`, connectionID)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Delete removes an event.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// CountByConnection returns the number of stored events for a connection.
func (r *EventRepository) CountByConnection(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := r.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE connection_id = ?", connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

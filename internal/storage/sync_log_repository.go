package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calsync/backend/internal/storage/models"
)

const syncLogColumns = `
	id, connection_id, trigger_type, direction, status, events_created, events_updated,
	events_deleted, events_pushed, events_skipped, conflicts_detected, conflicts_resolved,
	error, started_at, ended_at, duration_ms`

// SyncLogRepository provides data access for sync pass history.
type SyncLogRepository struct {
	BaseRepository
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db *DB) *SyncLogRepository {
	return &SyncLogRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func scanSyncLog(s scanner) (*models.SyncLog, error) {
	var (
		l                  models.SyncLog
		trigger, direction string
		errMsg             sql.NullString
		endedAt            sql.NullTime
	)
	err := s.Scan(
		&l.ID, &l.ConnectionID, &trigger, &direction, &l.Status, &l.EventsCreated, &l.EventsUpdated,
		&l.EventsDeleted, &l.EventsPushed, &l.EventsSkipped, &l.ConflictsDetected, &l.ConflictsResolved,
		&errMsg, &l.StartedAt, &endedAt, &l.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	l.Trigger = models.Trigger(trigger)
	l.Direction = models.Direction(direction)
	l.Error = stringPtr(errMsg)
	l.EndedAt = timePtr(endedAt)
	return &l, nil
}

// Create inserts a started sync log.
func (r *SyncLogRepository) Create(ctx context.Context, l *models.SyncLog) error {
	l.ID = GenerateID()
	if l.StartedAt.IsZero() {
		l.StartedAt = r.Now()
	}
	l.Status = models.SyncStatusStarted

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO sync_logs (id, connection_id, trigger_type, direction, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.ConnectionID, string(l.Trigger), string(l.Direction), l.Status, l.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

// Close writes the terminal status and counts of a sync log.
func (r *SyncLogRepository) Close(ctx context.Context, l *models.SyncLog) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE sync_logs SET
			status = ?, events_created = ?, events_updated = ?, events_deleted = ?,
			events_pushed = ?, events_skipped = ?, conflicts_detected = ?, conflicts_resolved = ?,
			error = ?, ended_at = ?, duration_ms = ?
		WHERE id = ? AND status = 'started'
	`,
		l.Status, l.EventsCreated, l.EventsUpdated, l.EventsDeleted,
		l.EventsPushed, l.EventsSkipped, l.ConflictsDetected, l.ConflictsResolved,
		nullString(l.Error), nullTime(l.EndedAt), l.DurationMS,
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("closing sync log: %w", err)
	}
	return nil
}

// GetByID retrieves a sync log by its ID.
func (r *SyncLogRepository) GetByID(ctx context.Context, id string) (*models.SyncLog, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = ?`, id)
	l, err := scanSyncLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync log: %w", err)
	}
	return l, nil
}

// ListByConnection retrieves the most recent sync logs of a connection.
func (r *SyncLogRepository) ListByConnection(ctx context.Context, connectionID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+syncLogColumns+` FROM sync_logs
		WHERE connection_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

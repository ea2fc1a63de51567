package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calsync/backend/internal/storage/models"
)

const conflictColumns = `
	id, event_id, connection_id, kind, internal_snapshot, external_snapshot, strategy,
	status, resolved_snapshot, resolved_by, resolved_at, last_error, detected_at`

// ConflictRepository provides data access for detected conflicts.
type ConflictRepository struct {
	BaseRepository
}

// NewConflictRepository creates a new conflict repository.
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func scanConflict(s scanner) (*models.Conflict, error) {
	var (
		c                   models.Conflict
		kind, strategy      string
		resolvedSnapshot    sql.NullString
		resolvedBy, lastErr sql.NullString
		resolvedAt          sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.EventID, &c.ConnectionID, &kind, &c.InternalSnapshot, &c.ExternalSnapshot, &strategy,
		&c.Status, &resolvedSnapshot, &resolvedBy, &resolvedAt, &lastErr, &c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = models.ConflictKind(kind)
	c.Strategy = models.Strategy(strategy)
	c.ResolvedBy = stringPtr(resolvedBy)
	c.ResolvedAt = timePtr(resolvedAt)
	c.LastError = stringPtr(lastErr)
	if resolvedSnapshot.Valid {
		var snap models.Snapshot
		if err := snap.Scan(resolvedSnapshot.String); err != nil {
			return nil, err
		}
		c.ResolvedSnapshot = &snap
	}
	return &c, nil
}

// Create inserts a new conflict in the detected state.
func (r *ConflictRepository) Create(ctx context.Context, c *models.Conflict) error {
	c.ID = GenerateID()
	c.DetectedAt = r.Now()
	if c.Status == "" {
		c.Status = models.ConflictStatusDetected
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO conflicts (
			id, event_id, connection_id, kind, internal_snapshot, external_snapshot,
			strategy, status, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.EventID, c.ConnectionID, string(c.Kind), c.InternalSnapshot, c.ExternalSnapshot,
		string(c.Strategy), c.Status, c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}
	return nil
}

// GetByID retrieves a conflict by its ID.
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.Conflict, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}
	return c, nil
}

// GetOpenByEvent retrieves the open (detected or needs_manual_review)
// conflict of an event, if any.
func (r *ConflictRepository) GetOpenByEvent(ctx context.Context, eventID string) (*models.Conflict, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE event_id = ? AND status IN ('detected', 'needs_manual_review')
		ORDER BY detected_at DESC LIMIT 1
	`, eventID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}
	return c, nil
}

// ListDetected retrieves conflicts of a connection awaiting automatic resolution.
func (r *ConflictRepository) ListDetected(ctx context.Context, connectionID string) ([]models.Conflict, error) {
	return r.list(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE connection_id = ? AND status = 'detected'
		ORDER BY detected_at
	`, connectionID)
}

// List retrieves conflicts filtered by connection and status. Empty filters match all.
func (r *ConflictRepository) List(ctx context.Context, connectionID, status string) ([]models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1 = 1`
	var args []any
	if connectionID != "" {
		query += ` AND connection_id = ?`
		args = append(args, connectionID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at DESC`
	return r.list(ctx, query, args...)
}

func (r *ConflictRepository) list(ctx context.Context, query string, args ...any) ([]models.Conflict, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// MarkResolved closes a conflict with the winning snapshot.
func (r *ConflictRepository) MarkResolved(ctx context.Context, c *models.Conflict, strategy models.Strategy, resolved models.Snapshot, resolvedBy string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE conflicts SET
			status = 'resolved', strategy = ?, resolved_snapshot = ?, resolved_by = ?,
			resolved_at = ?, last_error = NULL
		WHERE id = ?
	`, string(strategy), resolved, resolvedBy, now, c.ID)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	c.Status = models.ConflictStatusResolved
	c.Strategy = strategy
	c.ResolvedSnapshot = &resolved
	c.ResolvedBy = &resolvedBy
	c.ResolvedAt = &now
	c.LastError = nil
	return nil
}

// MarkNeedsReview parks a conflict for a human decision.
func (r *ConflictRepository) MarkNeedsReview(ctx context.Context, c *models.Conflict, strategy models.Strategy, reason string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE conflicts SET status = 'needs_manual_review', strategy = ?, last_error = ?
		WHERE id = ?
	`, string(strategy), nullString(&reason), c.ID)
	if err != nil {
		return fmt.Errorf("updating conflict: %w", err)
	}
	c.Status = models.ConflictStatusManualReview
	c.Strategy = strategy
	c.LastError = &reason
	return nil
}

// RecordError keeps a conflict detected and stores why resolution failed.
func (r *ConflictRepository) RecordError(ctx context.Context, c *models.Conflict, errMsg string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE conflicts SET last_error = ? WHERE id = ?
	`, errMsg, c.ID)
	if err != nil {
		return fmt.Errorf("updating conflict: %w", err)
	}
	c.LastError = &errMsg
	return nil
}

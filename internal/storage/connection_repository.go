package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calsync/backend/internal/storage/models"
)

const connectionColumns = `
	id, user_id, provider, external_calendar_id, access_token, refresh_token,
	token_expiry, sync_enabled, sync_direction, conflict_strategy, sync_interval_min,
	last_sync_at, sync_state, last_status, last_error, degraded,
	webhook_id, webhook_resource_id, webhook_expiry, created_at, updated_at`

// ConnectionRepository provides data access for calendar connections.
type ConnectionRepository struct {
	BaseRepository
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

func scanConnection(s scanner) (*models.Connection, error) {
	var (
		c                          models.Connection
		tokenExpiry, lastSync      sql.NullTime
		webhookExpiry              sql.NullTime
		lastError, webhookID       sql.NullString
		webhookResourceID          sql.NullString
		provider, direction, strat string
	)
	err := s.Scan(
		&c.ID, &c.UserID, &provider, &c.ExternalCalendarID, &c.AccessToken, &c.RefreshToken,
		&tokenExpiry, &c.SyncEnabled, &direction, &strat, &c.SyncIntervalMin,
		&lastSync, &c.SyncState, &c.LastStatus, &lastError, &c.Degraded,
		&webhookID, &webhookResourceID, &webhookExpiry, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Provider = models.Provider(provider)
	c.SyncDirection = models.Direction(direction)
	c.ConflictStrategy = models.Strategy(strat)
	c.TokenExpiry = timePtr(tokenExpiry)
	c.LastSyncAt = timePtr(lastSync)
	c.WebhookExpiry = timePtr(webhookExpiry)
	c.LastError = stringPtr(lastError)
	c.WebhookID = stringPtr(webhookID)
	c.WebhookResourceID = stringPtr(webhookResourceID)
	return &c, nil
}

// Upsert inserts a connection, or re-authorizes the existing one for the same
// (user, provider, external calendar). Re-authorizing replaces the credential
// and clears the degraded flag; sync settings and history are kept.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	now := r.Now()
	if conn.ID == "" {
		conn.ID = GenerateID()
	}
	if conn.SyncDirection == "" {
		conn.SyncDirection = models.DirectionBoth
	}
	if conn.ConflictStrategy == "" {
		conn.ConflictStrategy = models.StrategyLastModifiedWins
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, provider, external_calendar_id, access_token, refresh_token,
			token_expiry, sync_enabled, sync_direction, conflict_strategy, sync_interval_min,
			sync_state, last_status, degraded, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'idle', 'pending', 0, ?, ?)
		ON CONFLICT (user_id, provider, external_calendar_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE connections.refresh_token END,
			token_expiry = excluded.token_expiry,
			degraded = 0,
			last_error = NULL,
			updated_at = excluded.updated_at
	`,
		conn.ID, conn.UserID, string(conn.Provider), conn.ExternalCalendarID,
		conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiry),
		conn.SyncEnabled, string(conn.SyncDirection), string(conn.ConflictStrategy),
		conn.SyncIntervalMin, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}

	stored, err := r.GetByKey(ctx, conn.UserID, conn.Provider, conn.ExternalCalendarID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("upserting connection: row not found after write")
	}
	*conn = *stored
	return nil
}

// GetByID retrieves a connection by its ID.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// GetByKey retrieves a connection by its natural key.
func (r *ConnectionRepository) GetByKey(ctx context.Context, userID string, provider models.Provider, externalCalendarID string) (*models.Connection, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? AND provider = ? AND external_calendar_id = ?
	`, userID, string(provider), externalCalendarID)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// GetByWebhookID retrieves the connection owning a webhook channel.
func (r *ConnectionRepository) GetByWebhookID(ctx context.Context, webhookID string) (*models.Connection, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE webhook_id = ?`, webhookID)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// List retrieves connections, optionally filtered by user.
func (r *ConnectionRepository) List(ctx context.Context, userID string) ([]models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at`
	return r.list(ctx, query, args...)
}

// ListEnabled retrieves enabled connections, least recently synced first.
func (r *ConnectionRepository) ListEnabled(ctx context.Context) ([]models.Connection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE sync_enabled = 1
		ORDER BY last_sync_at ASC NULLS FIRST
	`)
}

// ListWebhooksExpiring retrieves enabled, healthy connections whose webhook
// expires before t.
func (r *ConnectionRepository) ListWebhooksExpiring(ctx context.Context, t time.Time) ([]models.Connection, error) {
	conns, err := r.list(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE sync_enabled = 1 AND degraded = 0 AND webhook_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}

	// Stored timestamps are text; compare them as times.
	var expiring []models.Connection
	for _, c := range conns {
		if c.WebhookExpiry == nil || c.WebhookExpiry.Before(t) {
			expiring = append(expiring, c)
		}
	}
	return expiring, nil
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]models.Connection, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// UpdateSettings updates the user-editable sync settings.
func (r *ConnectionRepository) UpdateSettings(ctx context.Context, conn *models.Connection) error {
	conn.UpdatedAt = r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET
			sync_direction = ?, conflict_strategy = ?, sync_interval_min = ?, updated_at = ?
		WHERE id = ?
	`, string(conn.SyncDirection), string(conn.ConflictStrategy), conn.SyncIntervalMin, conn.UpdatedAt, conn.ID)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	return nil
}

// UpdateCredential persists a refreshed access token. An empty refresh token
// keeps the stored one.
func (r *ConnectionRepository) UpdateCredential(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET
			access_token = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			token_expiry = ?,
			updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, refreshToken, nullTime(expiry), r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	return nil
}

// TryBeginSync claims the connection for a pass. It returns false when
// another pass already holds the claim.
func (r *ConnectionRepository) TryBeginSync(ctx context.Context, id string) (bool, error) {
	res, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET sync_state = 'running', updated_at = ?
		WHERE id = ? AND sync_state = 'idle'
	`, r.Now(), id)
	if err != nil {
		return false, fmt.Errorf("claiming connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming connection: %w", err)
	}
	return n == 1, nil
}

// EndSync releases the claim taken by TryBeginSync.
func (r *ConnectionRepository) EndSync(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET sync_state = 'idle', updated_at = ? WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("releasing connection: %w", err)
	}
	return nil
}

// ResetRunning releases every claim. Called once at startup.
func (r *ConnectionRepository) ResetRunning(ctx context.Context) (int64, error) {
	res, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET sync_state = 'idle', updated_at = ? WHERE sync_state = 'running'
	`, r.Now())
	if err != nil {
		return 0, fmt.Errorf("resetting sync claims: %w", err)
	}
	return res.RowsAffected()
}

// MarkSynced records a completed pass. startedAt becomes last_sync_at.
func (r *ConnectionRepository) MarkSynced(ctx context.Context, id, status string, startedAt time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET
			last_sync_at = ?, last_status = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, startedAt.UTC(), status, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}
	return nil
}

// MarkFailed records a failed pass. last_sync_at is left unchanged.
func (r *ConnectionRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET last_status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ?
	`, errMsg, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}
	return nil
}

// MarkDegraded flags a connection whose credential can no longer be refreshed.
// sync_enabled is not touched.
func (r *ConnectionRepository) MarkDegraded(ctx context.Context, id, errMsg string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET degraded = 1, last_status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ?
	`, errMsg, r.Now(), id)
	if err != nil {
		return fmt.Errorf("marking connection degraded: %w", err)
	}
	return nil
}

// SetEnabled toggles sync_enabled.
func (r *ConnectionRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET sync_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	return nil
}

// UpdateWebhook stores or clears (nil id) the webhook subscription.
func (r *ConnectionRepository) UpdateWebhook(ctx context.Context, id string, webhookID, resourceID *string, expiry *time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE connections SET
			webhook_id = ?, webhook_resource_id = ?, webhook_expiry = ?, updated_at = ?
		WHERE id = ?
	`, nullString(webhookID), nullString(resourceID), nullTime(expiry), r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}
	return nil
}

// Delete removes a connection. Events, conflicts and sync logs cascade.
func (r *ConnectionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

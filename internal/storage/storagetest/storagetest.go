// Package storagetest opens migrated SQLite databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/storage/models"
)

// NewDB returns a migrated database in a temporary directory. It is closed
// when the test ends.
func NewDB(t testing.TB) *storage.DB {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.RunMigrations(db))
	return db
}

// Repos bundles every repository over one database.
type Repos struct {
	DB          *storage.DB
	Connections *storage.ConnectionRepository
	Events      *storage.EventRepository
	Conflicts   *storage.ConflictRepository
	SyncLogs    *storage.SyncLogRepository
}

// NewRepos returns repositories over a fresh database.
func NewRepos(t testing.TB) *Repos {
	db := NewDB(t)
	return &Repos{
		DB:          db,
		Connections: storage.NewConnectionRepository(db),
		Events:      storage.NewEventRepository(db),
		Conflicts:   storage.NewConflictRepository(db),
		SyncLogs:    storage.NewSyncLogRepository(db),
	}
}

// Connection inserts an enabled connection with a long-lived credential.
func (r *Repos) Connection(t testing.TB, provider models.Provider, mutate ...func(*models.Connection)) *models.Connection {
	t.Helper()

	expiry := time.Now().UTC().Add(time.Hour)
	conn := &models.Connection{
		UserID:             "user-1",
		Provider:           provider,
		ExternalCalendarID: "primary-" + storage.GenerateID(),
		AccessToken:        "access",
		RefreshToken:       "refresh",
		TokenExpiry:        &expiry,
		SyncEnabled:        true,
		SyncDirection:      models.DirectionBoth,
		ConflictStrategy:   models.StrategyLastModifiedWins,
		SyncIntervalMin:    15,
	}
	for _, fn := range mutate {
		fn(conn)
	}
	require.NoError(t, r.Connections.Upsert(context.Background(), conn))
	return conn
}

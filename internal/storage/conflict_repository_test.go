package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calsync/backend/internal/storage/models"
	"github.com/calsync/backend/internal/storage/storagetest"
)

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	repos := storagetest.NewRepos(t)
	conn := repos.Connection(t, models.ProviderGoogle)

	ev := externalEvent(conn.ID, "c1", "Review", time.Now().UTC())
	_, err := repos.Events.Upsert(ctx, ev)
	require.NoError(t, err)

	internal := ev.Snapshot()
	internal.Title = "Review (internal)"
	c := &models.Conflict{
		EventID:          ev.ID,
		ConnectionID:     conn.ID,
		Kind:             models.ConflictUpdateUpdate,
		InternalSnapshot: internal,
		ExternalSnapshot: *ev.ExternalSnapshot,
	}
	require.NoError(t, repos.Conflicts.Create(ctx, c))

	open, err := repos.Conflicts.GetOpenByEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, c.ID, open.ID)
	assert.Equal(t, "Review (internal)", open.InternalSnapshot.Title)

	require.NoError(t, repos.Conflicts.MarkNeedsReview(ctx, c, models.StrategyManual, "manual strategy"))
	review, err := repos.Conflicts.List(ctx, conn.ID, models.ConflictStatusManualReview)
	require.NoError(t, err)
	assert.Len(t, review, 1)

	detected, err := repos.Conflicts.ListDetected(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, detected)

	require.NoError(t, repos.Conflicts.MarkResolved(ctx, c, models.StrategyManual, internal, "user:alice"))
	got, err := repos.Conflicts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, got.Status)
	require.NotNil(t, got.ResolvedSnapshot)
	assert.True(t, got.ResolvedSnapshot.Equal(internal))
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "user:alice", *got.ResolvedBy)
	assert.Nil(t, got.LastError)

	open, err = repos.Conflicts.GetOpenByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestSyncLogCloseOnce(t *testing.T) {
	ctx := context.Background()
	repos := storagetest.NewRepos(t)
	conn := repos.Connection(t, models.ProviderGoogle)

	l := &models.SyncLog{ConnectionID: conn.ID, Trigger: models.TriggerWebhook, Direction: models.DirectionBoth}
	require.NoError(t, repos.SyncLogs.Create(ctx, l))

	ended := time.Now().UTC()
	l.Status = models.SyncStatusSuccess
	l.EventsCreated = 3
	l.EndedAt = &ended
	require.NoError(t, repos.SyncLogs.Close(ctx, l))

	// A second close is ignored: only the started row may be closed.
	l.Status = models.SyncStatusFailed
	require.NoError(t, repos.SyncLogs.Close(ctx, l))

	logs, err := repos.SyncLogs.ListByConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusSuccess, logs[0].Status)
	assert.Equal(t, 3, logs[0].EventsCreated)
	assert.Equal(t, models.TriggerWebhook, logs[0].Trigger)
	require.NotNil(t, logs[0].EndedAt)
}

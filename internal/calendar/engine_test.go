package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/calsync/backend/internal/auth"
	"github.com/calsync/backend/internal/conflict"
	"github.com/calsync/backend/internal/provider"
	googleprovider "github.com/calsync/backend/internal/provider/google"
	"github.com/calsync/backend/internal/provider/providertest"
	"github.com/calsync/backend/internal/storage/models"
	"github.com/calsync/backend/internal/storage/storagetest"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed int
	failed    int
	conflicts int
	degraded  int
}

func (n *recordingNotifier) SyncCompleted(*models.Connection, *models.SyncLog) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed++
}

func (n *recordingNotifier) SyncFailed(*models.Connection, *models.SyncLog, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
}

func (n *recordingNotifier) ConflictDetected(*models.Connection, *models.Conflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts++
}

func (n *recordingNotifier) ConnectionDegraded(*models.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.degraded++
}

type harness struct {
	repos    *storagetest.Repos
	google   *providertest.Gateway
	feed     *providertest.Gateway
	notifier *recordingNotifier
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repos := storagetest.NewRepos(t)
	google := providertest.New(models.ProviderGoogle)
	feed := providertest.NewReadOnly(models.ProviderICS)
	signer, err := auth.NewSigner("test-secret", "calsync-test")
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	engine := NewEngine(
		Stores{
			Connections: repos.Connections,
			Events:      repos.Events,
			Conflicts:   repos.Conflicts,
			SyncLogs:    repos.SyncLogs,
		},
		provider.NewRegistry(google, feed),
		auth.NewGuardian(repos.Connections, 5*time.Minute),
		signer,
		notifier,
		Options{WebhookBaseURL: "https://calsync.test/"},
	)
	return &harness{repos: repos, google: google, feed: feed, notifier: notifier, engine: engine}
}

// synced returns a google connection whose last successful pass started at t0.
func (h *harness) synced(t *testing.T, t0 time.Time) *models.Connection {
	t.Helper()
	ctx := context.Background()
	conn := h.repos.Connection(t, models.ProviderGoogle)
	require.NoError(t, h.repos.Connections.MarkSynced(ctx, conn.ID, models.SyncStatusSuccess, t0))
	conn, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	return conn
}

func TestRunPass_NewExternalEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t0 := time.Now().UTC().Add(-time.Hour)
	conn := h.synced(t, t0)

	h.google.Put(upstream("ext-a", "Dentist", t0.Add(10*time.Minute)))

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, l.Status)
	assert.Equal(t, 1, l.EventsCreated)
	assert.Equal(t, 0, l.ConflictsDetected)

	ev, err := h.repos.Events.GetByExternalID(ctx, conn.ID, "ext-a")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.OriginExternal, ev.Origin)
	assert.Equal(t, "Dentist", ev.Title)

	conflicts, err := h.repos.Conflicts.List(ctx, conn.ID, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncAt)
	assert.True(t, stored.LastSyncAt.After(t0))
	assert.Equal(t, models.SyncStateIdle, stored.SyncState)
	assert.Equal(t, 1, h.notifier.completed)
}

func TestRunPass_ConcurrentEditInternalWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t0 := time.Now().UTC().Add(-time.Hour)
	conn := h.synced(t, t0)

	base := upstream("ext-b", "Original", t0.Add(-time.Hour))
	extID := base.ExternalID
	lastSeen := base.LastModified
	internalAt := t0.Add(5 * time.Minute)
	snap := base.Snapshot()
	ev := &models.Event{
		ConnectionID:       conn.ID,
		ExternalID:         &extID,
		Title:              "Internal edit",
		Start:              base.Start,
		End:                base.End,
		Status:             models.EventStatusConfirmed,
		Origin:             models.OriginExternal,
		InternalModifiedAt: &internalAt,
		ExternalModifiedAt: &lastSeen,
		ExternalSnapshot:   &snap,
		SyncedAt:           &lastSeen,
		PendingPush:        true,
	}
	require.NoError(t, h.repos.Events.Create(ctx, ev))
	h.google.Put(upstream("ext-b", "External edit", t0.Add(3*time.Minute)))

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, l.Status)
	assert.Equal(t, 1, l.ConflictsDetected)
	assert.Equal(t, 1, l.ConflictsResolved)
	assert.Equal(t, 1, h.notifier.conflicts)

	conflicts, err := h.repos.Conflicts.List(ctx, conn.ID, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, models.ConflictUpdateUpdate, c.Kind)
	assert.Equal(t, models.ConflictStatusResolved, c.Status)
	assert.Equal(t, models.StrategyLastModifiedWins, c.Strategy)
	require.NotNil(t, c.ResolvedBy)
	assert.Equal(t, "system:last_modified_wins", *c.ResolvedBy)

	// The corrective write made the internal version authoritative upstream.
	assert.Contains(t, h.google.Writes(), "update:ext-b")
	up, ok := h.google.Get("ext-b")
	require.True(t, ok)
	assert.Equal(t, "Internal edit", up.Title)

	stored, err := h.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Internal edit", stored.Title)
	assert.False(t, stored.PendingPush)

	// A second pass finds nothing to do.
	l, err = h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, l.ConflictsDetected)
	assert.Equal(t, 0, l.EventsUpdated)
}

func TestRunPass_StaleInternalChangeDoesNotOverwriteExternalEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t0 := time.Now().UTC().Add(-time.Hour)
	conn := h.synced(t, t0)

	base := upstream("e1", "Original", t0.Add(-2*time.Hour))
	extID := base.ExternalID
	lastSeen := base.LastModified
	internalAt := t0.Add(-10 * time.Minute)
	ev := &models.Event{
		ConnectionID:       conn.ID,
		ExternalID:         &extID,
		Title:              "Internal edit",
		Start:              base.Start,
		End:                base.End,
		Status:             models.EventStatusConfirmed,
		Origin:             models.OriginExternal,
		InternalModifiedAt: &internalAt,
		ExternalModifiedAt: &lastSeen,
		PendingPush:        true,
	}
	require.NoError(t, h.repos.Events.Create(ctx, ev))
	h.google.Put(upstream("e1", "External edit", t0.Add(5*time.Minute)))

	for pass := 1; pass <= 2; pass++ {
		l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
		require.NoError(t, err, "pass %d", pass)
		assert.Equal(t, models.SyncStatusSuccess, l.Status, "pass %d", pass)
	}

	up, ok := h.google.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "External edit", up.Title)
	assert.Empty(t, h.google.Writes())

	stored, err := h.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "External edit", stored.Title)
	assert.False(t, stored.PendingPush)

	conflicts, err := h.repos.Conflicts.List(ctx, conn.ID, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRunPass_ManualStrategyIsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t0 := time.Now().UTC().Add(-time.Hour)
	conn := h.synced(t, t0)
	manual := models.StrategyManual
	_, err := h.engine.UpdateSettings(ctx, conn.ID, Settings{Strategy: &manual})
	require.NoError(t, err)

	base := upstream("ext-c", "Original", t0.Add(-time.Hour))
	extID := base.ExternalID
	lastSeen := base.LastModified
	internalAt := t0.Add(5 * time.Minute)
	require.NoError(t, h.repos.Events.Create(ctx, &models.Event{
		ConnectionID:       conn.ID,
		ExternalID:         &extID,
		Title:              "Internal edit",
		Start:              base.Start,
		End:                base.End,
		Status:             models.EventStatusConfirmed,
		InternalModifiedAt: &internalAt,
		ExternalModifiedAt: &lastSeen,
		SyncedAt:           &lastSeen,
		PendingPush:        true,
	}))
	h.google.Put(upstream("ext-c", "External edit", t0.Add(3*time.Minute)))

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPartial, l.Status)
	assert.Empty(t, h.google.Writes())

	review, err := h.engine.ListConflicts(ctx, conn.ID, models.ConflictStatusManualReview)
	require.NoError(t, err)
	require.Len(t, review, 1)

	// The parked event is not pushed by later passes.
	_, err = h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, h.google.Writes())

	resolved, err := h.engine.ResolveConflict(ctx, review[0].ID, ResolveRequest{
		Strategy:   models.StrategyExternalWins,
		ResolvedBy: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, resolved.Status)
	assert.Empty(t, h.google.Writes())

	ev, err := h.repos.Events.GetByExternalID(ctx, conn.ID, "ext-c")
	require.NoError(t, err)
	assert.Equal(t, "External edit", ev.Title)
	assert.False(t, ev.PendingPush)

	_, err = h.engine.ResolveConflict(ctx, review[0].ID, ResolveRequest{ResolvedBy: "user-1"})
	assert.ErrorIs(t, err, conflict.ErrNotOpen)
}

func TestRunPass_RevokedRefreshTokenDegrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.repos.Connection(t, models.ProviderGoogle, func(c *models.Connection) {
		expiry := time.Now().UTC().Add(time.Minute)
		c.TokenExpiry = &expiry
	})
	h.google.RefreshErr = fmt.Errorf("%w: invalid_grant", provider.ErrAuth)
	h.google.Put(upstream("ext-d", "Never imported", time.Now().UTC()))

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Equal(t, models.SyncStatusFailed, l.Status)

	logs, err := h.repos.SyncLogs.ListByConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncStatusFailed, logs[0].Status)
	require.NotNil(t, logs[0].Error)
	assert.Contains(t, *logs[0].Error, "invalid_grant")

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
	assert.True(t, stored.SyncEnabled)
	assert.Nil(t, stored.LastSyncAt)
	assert.Equal(t, models.SyncStateIdle, stored.SyncState)

	n, err := h.repos.Events.CountByConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.google.Lists())
	assert.Equal(t, 1, h.notifier.degraded)
	assert.Equal(t, 1, h.notifier.failed)
}

func TestRunPass_TransientFailureKeepsConnectionHealthy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.repos.Connection(t, models.ProviderGoogle)
	h.google.ListErr = fmt.Errorf("%w: 503", provider.ErrTransient)

	_, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.ErrorIs(t, err, provider.ErrTransient)

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Degraded)
	assert.Equal(t, models.SyncStatusFailed, stored.LastStatus)
	assert.Nil(t, stored.LastSyncAt)
}

func TestRunPass_SingleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.repos.Connection(t, models.ProviderGoogle, func(c *models.Connection) {
		expiry := time.Now().UTC().Add(time.Minute)
		c.TokenExpiry = &expiry
	})
	h.google.RefreshDelay = 300 * time.Millisecond

	triggers := []models.Trigger{models.TriggerScheduled, models.TriggerWebhook}
	errs := make([]error, len(triggers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, trigger := range triggers {
		wg.Add(1)
		go func(i int, trigger models.Trigger) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.RunPass(ctx, conn.ID, trigger)
		}(i, trigger)
	}
	close(start)
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, ErrSyncInProgress) {
			busy++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, h.google.Refreshes())

	logs, err := h.repos.SyncLogs.ListByConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRunPass_UnknownConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RunPass(context.Background(), "missing", models.TriggerManual)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRunPass_FeedOmissionDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn, err := h.engine.Connect(ctx, "user-1", models.ProviderICS, "https://example.test/cal.ics", Settings{})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionFromExternal, conn.SyncDirection)

	now := time.Now().UTC()
	h.feed.Put(upstream("a@example.test", "A", now.Add(-time.Hour)))
	h.feed.Put(upstream("b@example.test", "B", now.Add(-time.Hour)))

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 2, l.EventsCreated)

	h.feed.Remove("b@example.test")
	l, err = h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, l.EventsDeleted)

	events, err := h.engine.ListEvents(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Title)

	_, err = h.engine.CreateEvent(ctx, conn.ID, EventInput{Title: "x", Start: now, End: now.Add(time.Hour)})
	assert.ErrorIs(t, err, provider.ErrReadOnly)

	both := models.DirectionBoth
	_, err = h.engine.UpdateSettings(ctx, conn.ID, Settings{Direction: &both})
	assert.ErrorIs(t, err, provider.ErrReadOnly)
}

func TestInternalEventLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.repos.Connection(t, models.ProviderGoogle)

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Minute)
	ev, err := h.engine.CreateEvent(ctx, conn.ID, EventInput{
		Title: "Focus time",
		Start: start,
		End:   start.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, ev.PendingPush)
	assert.Equal(t, models.OriginInternal, ev.Origin)

	_, err = h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:ext-1"}, h.google.Writes())

	_, err = h.engine.UpdateEvent(ctx, ev.ID, EventInput{
		Title: "Deep work",
		Start: start,
		End:   start.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	_, err = h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	up, ok := h.google.Get("ext-1")
	require.True(t, ok)
	assert.Equal(t, "Deep work", up.Title)

	require.NoError(t, h.engine.CancelEvent(ctx, ev.ID))
	_, err = h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:ext-1", "update:ext-1", "delete:ext-1"}, h.google.Writes())

	_, err = h.engine.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	events, err := h.engine.ListEvents(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = h.engine.CreateEvent(ctx, conn.ID, EventInput{Title: "Backwards", Start: start, End: start.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.ErrorIs(t, h.engine.CancelEvent(ctx, "missing"), ErrEventNotFound)
}

func TestAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	raw, err := h.engine.AuthorizeURL("user-1", models.ProviderGoogle, "primary", "https://calsync.test/callback")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	conn, err := h.engine.CompleteAuthorization(ctx, state, "good", "https://calsync.test/callback")
	require.NoError(t, err)
	assert.Equal(t, "access-good", conn.AccessToken)
	assert.True(t, conn.SyncEnabled)
	require.NotNil(t, conn.WebhookID)
	assert.Len(t, h.google.Subscriptions(), 1)

	token, err := h.engine.signer.ChannelToken(conn.ID)
	require.NoError(t, err)
	found, err := h.engine.ConnectionForWebhook(ctx, token, *conn.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, found.ID)
	_, err = h.engine.ConnectionForWebhook(ctx, token, "channel-old")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// Re-authorizing a degraded connection restores it in place.
	require.NoError(t, h.repos.Connections.MarkDegraded(ctx, conn.ID, "invalid_grant"))
	again, err := h.engine.CompleteAuthorization(ctx, state, "second", "https://calsync.test/callback")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.False(t, again.Degraded)
	assert.Equal(t, "access-second", again.AccessToken)

	disabled, err := h.engine.SetEnabled(ctx, conn.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.SyncEnabled)
	assert.Nil(t, disabled.WebhookID)
	assert.Empty(t, h.google.Subscriptions())

	_, err = h.engine.CompleteAuthorization(ctx, state, "bad", "https://calsync.test/callback")
	assert.ErrorIs(t, err, provider.ErrAuth)
	_, err = h.engine.CompleteAuthorization(ctx, "forged", "good", "https://calsync.test/callback")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	require.NoError(t, h.engine.DeleteConnection(ctx, conn.ID))
	_, err = h.engine.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRenewWebhooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.repos.Connection(t, models.ProviderGoogle)

	old := "channel-old"
	resource := "resource-old"
	expiry := time.Now().UTC().Add(time.Hour)
	require.NoError(t, h.repos.Connections.UpdateWebhook(ctx, conn.ID, &old, &resource, &expiry))

	require.NoError(t, h.engine.RenewWebhooks(ctx))

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WebhookID)
	assert.NotEqual(t, old, *stored.WebhookID)
	require.NotNil(t, stored.WebhookExpiry)
	assert.True(t, stored.WebhookExpiry.After(time.Now().Add(24*time.Hour)))
}

func TestRunPass_ForbiddenEventDoesNotDegrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.synced(t, time.Now().UTC().Add(-time.Hour))

	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)
	denied, err := h.engine.CreateEvent(ctx, conn.ID, EventInput{Title: "Denied", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	h.google.CreateErr = googleprovider.WrapError(&googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "forbiddenForNonOrganizer"}},
	})

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, l.Status)
	assert.Equal(t, 1, l.EventsSkipped)

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Degraded)
	assert.Zero(t, h.notifier.degraded)

	ev, err := h.repos.Events.GetByID(ctx, denied.ID)
	require.NoError(t, err)
	assert.True(t, ev.PendingPush)
	assert.False(t, ev.HasExternalID())
}

func TestRunPass_RejectedTokenRefreshesAndRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t0 := time.Now().UTC().Add(-time.Hour)
	conn := h.synced(t, t0)

	h.google.Put(upstream("ext-r", "After retry", t0.Add(time.Minute)))
	h.google.ListErr = googleprovider.WrapError(&googleapi.Error{Code: 401})

	l, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, l.Status)
	assert.Equal(t, 1, l.EventsCreated)
	assert.Equal(t, 1, h.google.Refreshes())
	assert.Equal(t, 2, h.google.Lists())

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Degraded)
	assert.Equal(t, "access-1", stored.AccessToken)
}

func TestRunPass_TokenRejectedAfterRefreshDegrades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.synced(t, time.Now().UTC().Add(-time.Hour))

	h.google.ListErr = googleprovider.WrapError(&googleapi.Error{Code: 401})
	h.google.RejectToken = "access-1"

	_, err := h.engine.RunPass(ctx, conn.ID, models.TriggerScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Equal(t, 1, h.google.Refreshes())

	stored, err := h.repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, stored.Degraded)
	assert.Equal(t, 1, h.notifier.degraded)
}

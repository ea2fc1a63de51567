package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/provider/providertest"
	"github.com/calsync/backend/internal/storage/models"
	"github.com/calsync/backend/internal/storage/storagetest"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repos    *storagetest.Repos
	gw       *providertest.Gateway
	conn     *models.Connection
	detector *Detector
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := storagetest.NewRepos(t)
	conn := repos.Connection(t, models.ProviderGoogle)
	require.NoError(t, repos.Connections.MarkSynced(context.Background(), conn.ID, models.SyncStatusSuccess, t0))
	conn, err := repos.Connections.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)

	resolver := NewResolver(repos.Events, repos.Conflicts)
	resolver.now = func() time.Time { return t0.Add(10 * time.Minute) }

	return &fixture{
		repos:    repos,
		gw:       providertest.New(models.ProviderGoogle),
		conn:     conn,
		detector: NewDetector(repos.Events, repos.Conflicts),
		resolver: resolver,
	}
}

func (f *fixture) target() Target {
	return Target{Connection: f.conn, Gateway: f.gw, Credential: provider.Credential{AccessToken: "x"}}
}

// event stores a synced event and its upstream copy, then applies the
// given internal and external edits.
func (f *fixture) event(t *testing.T, extID string, internalAt, externalAt *time.Time) *models.Event {
	t.Helper()
	ctx := context.Background()

	start := t0.Add(48 * time.Hour)
	base := provider.Event{
		ExternalID:   extID,
		Title:        "Original",
		Start:        start,
		End:          start.Add(time.Hour),
		Status:       models.EventStatusConfirmed,
		LastModified: t0.Add(-time.Hour),
	}

	ev := &models.Event{
		ConnectionID: f.conn.ID,
		ExternalID:   &extID,
		Title:        base.Title,
		Start:        base.Start,
		End:          base.End,
		Status:       base.Status,
		Origin:       models.OriginExternal,
	}
	if internalAt != nil {
		ev.Title = "Internal edit"
		ev.InternalModifiedAt = internalAt
		ev.PendingPush = true
	}
	extSnap := base.Snapshot()
	if externalAt != nil {
		extSnap.Title = "External edit"
		extSnap.ModifiedAt = *externalAt
		ev.ExternalModifiedAt = externalAt

		base.Title = "External edit"
		base.LastModified = *externalAt
	} else {
		lm := base.LastModified
		ev.ExternalModifiedAt = &lm
	}
	ev.ExternalSnapshot = &extSnap
	require.NoError(t, f.repos.Events.Create(ctx, ev))
	f.gw.Put(base)
	return ev
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func TestDetect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	both := f.event(t, "both", at(time.Minute), at(2*time.Minute))
	f.event(t, "internal-only", at(time.Minute), nil)
	f.event(t, "external-only", nil, at(time.Minute))
	f.event(t, "before-sync", at(-time.Minute), at(-2*time.Minute))

	conflicts, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, both.ID, c.EventID)
	assert.Equal(t, models.ConflictUpdateUpdate, c.Kind)
	assert.Equal(t, "Internal edit", c.InternalSnapshot.Title)
	assert.Equal(t, "External edit", c.ExternalSnapshot.Title)
	assert.Equal(t, models.ConflictStatusDetected, c.Status)

	// The open conflict suppresses a duplicate.
	again, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDetect_EventSyncedAtRaisesThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := f.event(t, "e", at(time.Minute), at(2*time.Minute))
	ev.SyncedAt = at(5 * time.Minute)
	require.NoError(t, f.repos.Events.Update(ctx, ev))

	conflicts, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDetect_NoPreviousSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conn.LastSyncAt = nil

	f.event(t, "old", at(-48*time.Hour), at(-72*time.Hour))
	conflicts, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestDetect_DeleteKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := f.event(t, "gone", at(time.Minute), at(2*time.Minute))
	ev.ExternalSnapshot.Status = models.EventStatusCancelled
	require.NoError(t, f.repos.Events.Update(ctx, ev))

	conflicts, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictUpdateDelete, conflicts[0].Kind)
}

func TestLastModifiedWins(t *testing.T) {
	s, err := StrategyFor("")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyLastModifiedWins, s.Name())

	older := models.Snapshot{ModifiedAt: t0}
	newer := models.Snapshot{ModifiedAt: t0.Add(time.Second)}

	assert.Equal(t, SideExternal, s.Decide(older, newer))
	assert.Equal(t, SideInternal, s.Decide(newer, older))
	for i := 0; i < 10; i++ {
		assert.Equal(t, SideInternal, s.Decide(older, older), "ties go to the internal side")
	}
}

func TestStrategyFor(t *testing.T) {
	for _, name := range []models.Strategy{
		models.StrategyLastModifiedWins, models.StrategyInternalWins,
		models.StrategyExternalWins, models.StrategyManual,
	} {
		s, err := StrategyFor(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := StrategyFor("newest_title")
	assert.Error(t, err)

	internal, _ := StrategyFor(models.StrategyInternalWins)
	assert.Equal(t, SideInternal, internal.Decide(models.Snapshot{}, models.Snapshot{ModifiedAt: t0}))
	manual, _ := StrategyFor(models.StrategyManual)
	assert.Equal(t, SideNone, manual.Decide(models.Snapshot{}, models.Snapshot{}))
}

func detectOne(t *testing.T, f *fixture) *models.Conflict {
	t.Helper()
	conflicts, err := f.detector.Detect(context.Background(), f.conn)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return &conflicts[0]
}

func TestResolve_ExternalWinsByTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "e", at(time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	lww, _ := StrategyFor(models.StrategyLastModifiedWins)
	c, err := f.resolver.Resolve(ctx, f.target(), c, lww)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, c.Status)
	require.NotNil(t, c.ResolvedBy)
	assert.Equal(t, "system:last_modified_wins", *c.ResolvedBy)
	assert.Equal(t, "External edit", c.ResolvedSnapshot.Title)
	assert.Empty(t, f.gw.Writes(), "external winner needs no upstream write")

	got, err := f.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "External edit", got.Title)
	assert.False(t, got.PendingPush)
	assert.True(t, got.InternalModifiedAt.Equal(*got.ExternalModifiedAt))
	assert.True(t, got.InternalModifiedAt.Equal(*at(2 * time.Minute)))

	// Resolved state is consistent: nothing is detected again.
	again, err := f.detector.Detect(ctx, f.conn)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestResolve_InternalWinsPushesCorrection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "e", at(3*time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	lww, _ := StrategyFor(models.StrategyLastModifiedWins)
	_, err := f.resolver.Resolve(ctx, f.target(), c, lww)
	require.NoError(t, err)
	assert.Equal(t, []string{"update:e"}, f.gw.Writes())

	upstream, ok := f.gw.Get("e")
	require.True(t, ok)
	assert.Equal(t, "Internal edit", upstream.Title)

	got, err := f.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Internal edit", got.Title)
	assert.False(t, got.PendingPush)
	require.NotNil(t, got.SyncedAt)
}

func TestResolve_FailedCorrectionStaysDetected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.event(t, "e", at(3*time.Minute), at(2*time.Minute))
	c := detectOne(t, f)
	f.gw.UpdateErr = fmt.Errorf("%w: 503", provider.ErrTransient)

	internal, _ := StrategyFor(models.StrategyInternalWins)
	_, err := f.resolver.Resolve(ctx, f.target(), c, internal)
	require.ErrorIs(t, err, provider.ErrTransient)

	stored, err := f.repos.Conflicts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusDetected, stored.Status)
	require.NotNil(t, stored.LastError)

	// Retried on the next pass.
	_, err = f.resolver.Resolve(ctx, f.target(), stored, internal)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, stored.Status)
}

func TestResolve_ManualStrategyParks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.event(t, "e", at(time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	manual, _ := StrategyFor(models.StrategyManual)
	c, err := f.resolver.Resolve(ctx, f.target(), c, manual)
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, models.ConflictStatusManualReview, c.Status)
	assert.Empty(t, f.gw.Writes())

	review, err := f.repos.Conflicts.List(ctx, f.conn.ID, models.ConflictStatusManualReview)
	require.NoError(t, err)
	assert.Len(t, review, 1)
}

func TestResolve_InternalWinBlockedByDirection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conn.SyncDirection = models.DirectionFromExternal
	f.event(t, "e", at(3*time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	internal, _ := StrategyFor(models.StrategyInternalWins)
	c, err := f.resolver.Resolve(ctx, f.target(), c, internal)
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, models.ConflictStatusManualReview, c.Status)
	assert.Empty(t, f.gw.Writes())
}

func TestResolve_ExternalDeletionWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "e", at(time.Minute), at(2*time.Minute))
	ev.ExternalSnapshot.Status = models.EventStatusCancelled
	require.NoError(t, f.repos.Events.Update(ctx, ev))
	c := detectOne(t, f)

	external, _ := StrategyFor(models.StrategyExternalWins)
	_, err := f.resolver.Resolve(ctx, f.target(), c, external)
	require.NoError(t, err)

	got, err := f.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "event removed once the deletion wins")
}

func TestResolve_InternalUpdateRecreatesDeletedUpstream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "e", at(3*time.Minute), at(2*time.Minute))
	ev.ExternalSnapshot.Status = models.EventStatusCancelled
	require.NoError(t, f.repos.Events.Update(ctx, ev))
	c := detectOne(t, f)

	lww, _ := StrategyFor(models.StrategyLastModifiedWins)
	_, err := f.resolver.Resolve(ctx, f.target(), c, lww)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:ext-1"}, f.gw.Writes())

	got, err := f.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "ext-1", *got.ExternalID)
}

func TestResolveManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "e", at(time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	chosen := c.InternalSnapshot
	chosen.Title = "Merged by hand"
	c, err := f.resolver.ResolveManual(ctx, f.target(), c, chosen, "user:alice")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, c.Status)
	assert.Equal(t, models.StrategyManual, c.Strategy)

	upstream, _ := f.gw.Get("e")
	assert.Equal(t, "Merged by hand", upstream.Title)
	got, err := f.repos.Events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Merged by hand", got.Title)

	_, err = f.resolver.ResolveManual(ctx, f.target(), c, chosen, "user:alice")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestResolveManual_InvalidSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.event(t, "e", at(time.Minute), at(2*time.Minute))
	c := detectOne(t, f)

	bad := c.InternalSnapshot
	bad.End = bad.Start.Add(-time.Hour)
	_, err := f.resolver.ResolveManual(ctx, f.target(), c, bad, "user:alice")
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

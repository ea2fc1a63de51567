package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/provider/providertest"
	"github.com/calsync/backend/internal/storage/models"
	"github.com/calsync/backend/internal/storage/storagetest"
)

func expiringConnection(t *testing.T, repos *storagetest.Repos, in time.Duration) *models.Connection {
	return repos.Connection(t, models.ProviderGoogle, func(c *models.Connection) {
		expiry := time.Now().UTC().Add(in)
		c.TokenExpiry = &expiry
	})
}

func TestEnsureValid_NoRefreshWhenFresh(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, time.Hour)
	cred, err := g.EnsureValid(context.Background(), conn, gw)
	require.NoError(t, err)
	assert.Equal(t, "access", cred.AccessToken)
	assert.Equal(t, 0, gw.Refreshes())
}

func TestEnsureValid_RefreshesAndPersists(t *testing.T) {
	ctx := context.Background()
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, 2*time.Minute)
	cred, err := g.EnsureValid(ctx, conn, gw)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Refreshes())
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "access-1", conn.AccessToken)

	stored, err := repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh", stored.RefreshToken)
	require.NotNil(t, stored.TokenExpiry)
	assert.True(t, stored.TokenExpiry.After(time.Now().Add(30*time.Minute)))
}

func TestEnsureValid_ConcurrentCallersShareRefresh(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	gw.RefreshDelay = 50 * time.Millisecond
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, -time.Minute)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	errs := make([]error, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := *conn
			cred, err := g.EnsureValid(context.Background(), &c, gw)
			tokens[i], errs[i] = cred.AccessToken, err
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
	assert.Equal(t, 1, gw.Refreshes())
}

func TestEnsureValid_RevokedIsAuthError(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	gw.RefreshErr = fmt.Errorf("%w: invalid_grant", provider.ErrAuth)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, time.Minute)
	_, err := g.EnsureValid(context.Background(), conn, gw)
	assert.ErrorIs(t, err, provider.ErrAuth)
}

func TestEnsureValid_NoRefreshToken(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := repos.Connection(t, models.ProviderGoogle, func(c *models.Connection) {
		expiry := time.Now().UTC().Add(-time.Hour)
		c.TokenExpiry = &expiry
		c.RefreshToken = ""
	})
	_, err := g.EnsureValid(context.Background(), conn, gw)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Equal(t, 0, gw.Refreshes())
}

func TestEnsureValid_NetworkFailureIsTransient(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	gw.RefreshErr = assert.AnError
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, time.Minute)
	_, err := g.EnsureValid(context.Background(), conn, gw)
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.False(t, provider.IsAuth(err))
}

func TestEnsureValid_FeedsPassThrough(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.NewReadOnly(models.ProviderICS)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := repos.Connection(t, models.ProviderICS, func(c *models.Connection) {
		c.AccessToken = ""
		c.RefreshToken = ""
		c.TokenExpiry = nil
	})
	_, err := g.EnsureValid(context.Background(), conn, gw)
	require.NoError(t, err)
	assert.Equal(t, 0, gw.Refreshes())
}

func TestForceRefresh_RefreshesRejectedToken(t *testing.T) {
	ctx := context.Background()
	repos := storagetest.NewRepos(t)
	gw := providertest.New(models.ProviderGoogle)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := expiringConnection(t, repos, time.Hour)
	stale := *conn

	cred, err := g.ForceRefresh(ctx, conn, gw)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "access-1", conn.AccessToken)

	stored, err := repos.Connections.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)

	// A caller still holding the rejected token picks up the replacement.
	cred, err = g.ForceRefresh(ctx, &stale, gw)
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, 1, gw.Refreshes())
}

func TestForceRefresh_FeedHasNothingToRefresh(t *testing.T) {
	repos := storagetest.NewRepos(t)
	gw := providertest.NewReadOnly(models.ProviderICS)
	g := NewGuardian(repos.Connections, 5*time.Minute)

	conn := repos.Connection(t, models.ProviderICS)
	_, err := g.ForceRefresh(context.Background(), conn, gw)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Equal(t, 0, gw.Refreshes())
}

// Package auth keeps connection credentials valid and signs the tokens the
// service hands to providers.
package auth

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

const refreshTimeout = 30 * time.Second

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	UpdateCredential(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error
}

// Guardian refreshes credentials ahead of expiry. Concurrent refreshes for
// one connection collapse into a single provider call.
type Guardian struct {
	store  CredentialStore
	margin time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewGuardian creates a guardian. A non-positive margin uses DefaultRefreshMargin.
func NewGuardian(store CredentialStore, margin time.Duration) *Guardian {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Guardian{
		store:  store,
		margin: margin,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CredentialOf returns the credential stored on a connection.
func CredentialOf(conn *models.Connection) provider.Credential {
	cred := provider.Credential{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
	}
	if conn.TokenExpiry != nil {
		cred.Expiry = *conn.TokenExpiry
	}
	return cred
}

// EnsureValid returns a credential usable for at least the refresh margin.
// On refresh the connection is updated in place and in the store. An
// unrefreshable credential yields provider.ErrAuth.
func (g *Guardian) EnsureValid(ctx context.Context, conn *models.Connection, gw provider.Gateway) (provider.Credential, error) {
	cred := CredentialOf(conn)
	if !gw.Capabilities().RequiresAuth {
		return cred, nil
	}
	if !cred.ExpiresWithin(g.now(), g.margin) {
		return cred, nil
	}

	return g.adopt(conn, conn.ID, func() (any, error) {
		return g.refresh(ctx, conn.ID, gw, "")
	})
}

// ForceRefresh refreshes a credential the provider rejected before its
// expiry. It is a no-op when another caller already replaced the rejected
// access token.
func (g *Guardian) ForceRefresh(ctx context.Context, conn *models.Connection, gw provider.Gateway) (provider.Credential, error) {
	if !gw.Capabilities().RequiresAuth {
		return provider.Credential{}, fmt.Errorf("%w: credential rejected by %s", provider.ErrAuth, gw.Kind())
	}
	rejected := conn.AccessToken
	return g.adopt(conn, conn.ID+"/rejected", func() (any, error) {
		return g.refresh(ctx, conn.ID, gw, rejected)
	})
}

// adopt runs fn once per key and stores the resulting credential on conn.
func (g *Guardian) adopt(conn *models.Connection, key string, fn func() (any, error)) (provider.Credential, error) {
	v, err, shared := g.group.Do(key, fn)
	if err != nil {
		return provider.Credential{}, err
	}

	fresh := v.(provider.Credential)
	if shared {
		log.Printf("Reused concurrent credential refresh for connection %s", conn.ID)
	}

	conn.AccessToken = fresh.AccessToken
	conn.RefreshToken = fresh.RefreshToken
	expiry := fresh.Expiry
	conn.TokenExpiry = &expiry
	return fresh, nil
}

// refresh exchanges the stored refresh token. With rejected empty it only
// acts on credentials about to expire; otherwise only while the stored
// access token is still the rejected one.
func (g *Guardian) refresh(ctx context.Context, connID string, gw provider.Gateway, rejected string) (provider.Credential, error) {
	// Shared by every waiter, so one caller's cancellation must not fail the rest.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	// Another refresh may have completed since the caller loaded the row.
	current, err := g.store.GetByID(ctx, connID)
	if err != nil {
		return provider.Credential{}, fmt.Errorf("%w: loading credential: %w", provider.ErrTransient, err)
	}
	if current == nil {
		return provider.Credential{}, fmt.Errorf("%w: connection %s not found", provider.ErrAuth, connID)
	}
	cred := CredentialOf(current)
	if rejected == "" && !cred.ExpiresWithin(g.now(), g.margin) {
		return cred, nil
	}
	if rejected != "" && cred.AccessToken != rejected {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return provider.Credential{}, fmt.Errorf("%w: no refresh token", provider.ErrAuth)
	}

	fresh, err := gw.Refresh(ctx, cred)
	if err != nil {
		if provider.IsAuth(err) || provider.IsTransient(err) {
			return provider.Credential{}, err
		}
		return provider.Credential{}, fmt.Errorf("%w: refreshing token: %w", provider.ErrTransient, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}

	var expiry *time.Time
	if !fresh.Expiry.IsZero() {
		e := fresh.Expiry.UTC()
		expiry = &e
	}
	if err := g.store.UpdateCredential(ctx, connID, fresh.AccessToken, fresh.RefreshToken, expiry); err != nil {
		return provider.Credential{}, fmt.Errorf("%w: persisting credential: %w", provider.ErrTransient, err)
	}

	log.Printf("Refreshed credential for connection %s", connID)
	return fresh, nil
}

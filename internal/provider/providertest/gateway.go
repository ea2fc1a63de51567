// Package providertest provides an in-memory provider gateway for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// Gateway is an in-memory calendar. It is safe for concurrent use.
type Gateway struct {
	mu sync.Mutex

	kind   models.Provider
	caps   provider.Capabilities
	events map[string]provider.Event
	seq    int
	now    func() time.Time

	// Injected failures, consumed by the next matching call.
	ListErr    error
	CreateErr  error
	UpdateErr  error
	DeleteErr  error
	RefreshErr error

	// RejectToken makes every data call made with this access token fail
	// with provider.ErrUnauthorized.
	RejectToken string

	// RefreshDelay slows Refresh down to widen concurrency windows.
	RefreshDelay time.Duration
	// RefreshExpiry is the lifetime of refreshed tokens.
	RefreshExpiry time.Duration

	refreshes     atomic.Int32
	lists         atomic.Int32
	writes        []string
	subscriptions map[string]provider.Subscription
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates an empty writable gateway that requires auth and supports webhooks.
func New(kind models.Provider) *Gateway {
	return &Gateway{
		kind:          kind,
		caps:          provider.Capabilities{RequiresAuth: true, Webhooks: true},
		events:        make(map[string]provider.Event),
		now:           func() time.Time { return time.Now().UTC() },
		RefreshExpiry: time.Hour,
		subscriptions: make(map[string]provider.Subscription),
	}
}

// NewReadOnly creates a gateway behaving like a published feed: complete
// listings, no auth, no writes.
func NewReadOnly(kind models.Provider) *Gateway {
	g := New(kind)
	g.caps = provider.Capabilities{ReadOnly: true}
	return g
}

// SetClock overrides the time used for LastModified on writes.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Put stores an event as if it had been edited upstream.
func (g *Gateway) Put(ev provider.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev.Status == "" {
		ev.Status = models.EventStatusConfirmed
	}
	g.events[ev.ExternalID] = ev
}

// Remove drops an event without leaving a cancelled tombstone, as a feed
// would when an entry disappears.
func (g *Gateway) Remove(externalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.events, externalID)
}

// Get returns the upstream version of an event.
func (g *Gateway) Get(externalID string) (provider.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[externalID]
	return ev, ok
}

// Len returns the number of stored events, cancelled included.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events)
}

// Refreshes returns how many times Refresh reached the provider.
func (g *Gateway) Refreshes() int {
	return int(g.refreshes.Load())
}

// Lists returns how many times ListEvents was called.
func (g *Gateway) Lists() int {
	return int(g.lists.Load())
}

// Writes returns the write operations performed, e.g. "update:abc".
func (g *Gateway) Writes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.writes...)
}

// Subscriptions returns the active webhook channels.
func (g *Gateway) Subscriptions() []provider.Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs := make([]provider.Subscription, 0, len(g.subscriptions))
	for _, s := range g.subscriptions {
		subs = append(subs, s)
	}
	return subs
}

// Kind implements provider.Gateway.
func (g *Gateway) Kind() models.Provider { return g.kind }

// Capabilities implements provider.Gateway.
func (g *Gateway) Capabilities() provider.Capabilities { return g.caps }

// AuthorizeURL implements provider.Gateway.
func (g *Gateway) AuthorizeURL(state, redirectURI string) string {
	return fmt.Sprintf("https://auth.test/authorize?state=%s&redirect_uri=%s", state, redirectURI)
}

// ExchangeCode implements provider.Gateway. The code "bad" is rejected.
func (g *Gateway) ExchangeCode(ctx context.Context, code, redirectURI string) (provider.Credential, error) {
	if code == "bad" {
		return provider.Credential{}, fmt.Errorf("%w: invalid code", provider.ErrAuth)
	}
	return provider.Credential{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().UTC().Add(time.Hour),
	}, nil
}

// Refresh implements provider.Gateway.
func (g *Gateway) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	n := g.refreshes.Add(1)

	if g.RefreshDelay > 0 {
		select {
		case <-ctx.Done():
			return provider.Credential{}, ctx.Err()
		case <-time.After(g.RefreshDelay):
		}
	}

	g.mu.Lock()
	err := g.RefreshErr
	expiry := g.RefreshExpiry
	g.mu.Unlock()
	if err != nil {
		return provider.Credential{}, err
	}
	if cred.RefreshToken == "" {
		return provider.Credential{}, fmt.Errorf("%w: no refresh token", provider.ErrAuth)
	}

	return provider.Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().UTC().Add(expiry),
	}, nil
}

// ListEvents implements provider.Gateway. Read-only gateways return the
// complete calendar; others return events modified at or after since.
func (g *Gateway) ListEvents(ctx context.Context, target provider.Target, since time.Time) (*provider.Listing, error) {
	g.lists.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ListErr; err != nil {
		g.ListErr = nil
		return nil, err
	}
	if err := g.checkToken(target); err != nil {
		return nil, err
	}

	listing := &provider.Listing{Complete: g.caps.ReadOnly}
	for _, ev := range g.events {
		if listing.Complete || since.IsZero() || !ev.LastModified.Before(since) {
			listing.Events = append(listing.Events, ev)
		}
	}
	sort.Slice(listing.Events, func(i, j int) bool {
		return listing.Events[i].ExternalID < listing.Events[j].ExternalID
	})
	return listing, nil
}

// CreateEvent implements provider.Gateway.
func (g *Gateway) CreateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caps.ReadOnly {
		return provider.Receipt{}, provider.ErrReadOnly
	}
	if err := g.CreateErr; err != nil {
		g.CreateErr = nil
		return provider.Receipt{}, err
	}
	if err := g.checkToken(target); err != nil {
		return provider.Receipt{}, err
	}

	g.seq++
	event.ExternalID = fmt.Sprintf("ext-%d", g.seq)
	event.LastModified = g.now().UTC()
	g.events[event.ExternalID] = event
	g.writes = append(g.writes, "create:"+event.ExternalID)

	return provider.Receipt{ExternalID: event.ExternalID, LastModified: event.LastModified}, nil
}

// UpdateEvent implements provider.Gateway.
func (g *Gateway) UpdateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caps.ReadOnly {
		return provider.Receipt{}, provider.ErrReadOnly
	}
	if err := g.UpdateErr; err != nil {
		g.UpdateErr = nil
		return provider.Receipt{}, err
	}
	if err := g.checkToken(target); err != nil {
		return provider.Receipt{}, err
	}
	existing, ok := g.events[event.ExternalID]
	if !ok || existing.Cancelled() {
		return provider.Receipt{}, fmt.Errorf("%w: event %s", provider.ErrNotFound, event.ExternalID)
	}

	event.LastModified = g.now().UTC()
	g.events[event.ExternalID] = event
	g.writes = append(g.writes, "update:"+event.ExternalID)

	return provider.Receipt{ExternalID: event.ExternalID, LastModified: event.LastModified}, nil
}

// DeleteEvent implements provider.Gateway. The event is kept as a cancelled
// tombstone the way Google reports deletions.
func (g *Gateway) DeleteEvent(ctx context.Context, target provider.Target, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caps.ReadOnly {
		return provider.ErrReadOnly
	}
	if err := g.DeleteErr; err != nil {
		g.DeleteErr = nil
		return err
	}
	if err := g.checkToken(target); err != nil {
		return err
	}
	existing, ok := g.events[externalID]
	if !ok || existing.Cancelled() {
		return fmt.Errorf("%w: event %s", provider.ErrNotFound, externalID)
	}

	existing.Status = models.EventStatusCancelled
	existing.LastModified = g.now().UTC()
	g.events[externalID] = existing
	g.writes = append(g.writes, "delete:"+externalID)
	return nil
}

// checkToken must be called with g.mu held.
func (g *Gateway) checkToken(target provider.Target) error {
	if g.RejectToken != "" && target.Credential.AccessToken == g.RejectToken {
		return fmt.Errorf("%w: invalid credentials", provider.ErrUnauthorized)
	}
	return nil
}

// SubscribeWebhook implements provider.Gateway.
func (g *Gateway) SubscribeWebhook(ctx context.Context, target provider.Target, callbackURL, token string) (provider.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.caps.Webhooks {
		return provider.Subscription{}, provider.ErrReadOnly
	}
	g.seq++
	sub := provider.Subscription{
		ID:         fmt.Sprintf("channel-%d", g.seq),
		ResourceID: "resource-" + target.CalendarID,
		Expiry:     g.now().Add(7 * 24 * time.Hour).UTC(),
	}
	g.subscriptions[sub.ID] = sub
	return sub, nil
}

// UnsubscribeWebhook implements provider.Gateway.
func (g *Gateway) UnsubscribeWebhook(ctx context.Context, target provider.Target, sub provider.Subscription) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscriptions, sub.ID)
	return nil
}

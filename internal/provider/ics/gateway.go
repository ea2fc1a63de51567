package ics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

const maxFeedSize = 10 << 20

// Gateway reads iCalendar feeds over HTTP. The target calendar id is the
// feed URL. Feeds carry no credential and cannot be written.
type Gateway struct {
	httpClient *http.Client
	now        func() time.Time
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates a feed gateway with the given fetch timeout.
func New(timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Kind implements provider.Gateway.
func (g *Gateway) Kind() models.Provider {
	return models.ProviderICS
}

// Capabilities implements provider.Gateway.
func (g *Gateway) Capabilities() provider.Capabilities {
	return provider.Capabilities{RequiresAuth: false, ReadOnly: true}
}

// AuthorizeURL is not supported; feeds are connected directly.
func (g *Gateway) AuthorizeURL(state, redirectURI string) string {
	return ""
}

// ExchangeCode is not supported.
func (g *Gateway) ExchangeCode(ctx context.Context, code, redirectURI string) (provider.Credential, error) {
	return provider.Credential{}, fmt.Errorf("%w: feeds do not use OAuth", provider.ErrReadOnly)
}

// Refresh returns the credential unchanged.
func (g *Gateway) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	return cred, nil
}

// ListEvents fetches the whole feed. The listing is always complete, so
// since is not applied.
func (g *Gateway) ListEvents(ctx context.Context, target provider.Target, since time.Time) (*provider.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.CalendarID, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: feed url: %v", provider.ErrData, err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if provider.IsCancelled(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetching feed: %w", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: feed returned status %d", provider.ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: feed returned status %d", provider.ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: feed returned status %d", provider.ErrTransient, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading feed: %w", provider.ErrTransient, err)
	}
	bodyStr := string(body)
	if err := validateFeed(bodyStr); err != nil {
		return nil, err
	}

	events, problems, err := Parse(strings.NewReader(bodyStr), g.now())
	if err != nil {
		return nil, err
	}

	return &provider.Listing{Events: events, Complete: true, Problems: problems}, nil
}

// CreateEvent is not supported.
func (g *Gateway) CreateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	return provider.Receipt{}, provider.ErrReadOnly
}

// UpdateEvent is not supported.
func (g *Gateway) UpdateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	return provider.Receipt{}, provider.ErrReadOnly
}

// DeleteEvent is not supported.
func (g *Gateway) DeleteEvent(ctx context.Context, target provider.Target, externalID string) error {
	return provider.ErrReadOnly
}

// SubscribeWebhook is not supported; feeds are polled.
func (g *Gateway) SubscribeWebhook(ctx context.Context, target provider.Target, callbackURL, token string) (provider.Subscription, error) {
	return provider.Subscription{}, provider.ErrReadOnly
}

// UnsubscribeWebhook is a no-op.
func (g *Gateway) UnsubscribeWebhook(ctx context.Context, target provider.Target, sub provider.Subscription) error {
	return nil
}

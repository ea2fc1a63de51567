// Package google implements the provider gateway for Google Calendar.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// DefaultScopes grants read/write access to events.
var DefaultScopes = []string{calendar.CalendarEventsScope}

const pageSize = 250

// Config configures the Google gateway.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// Endpoint overrides the Calendar API base URL. Empty uses Google's.
	Endpoint string
	// AuthURL and TokenURL override the OAuth endpoints. Empty uses Google's.
	AuthURL  string
	TokenURL string

	RequestsPerSecond float64
	Burst             int
}

// Gateway talks to the Google Calendar API.
type Gateway struct {
	cfg     Config
	oauth   *oauth2.Config
	limiter *provider.RateLimiter
}

var _ provider.Gateway = (*Gateway)(nil)

// New creates a Google Calendar gateway.
func New(cfg Config) *Gateway {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	endpoint := googleoauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	return &Gateway{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		limiter: provider.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}
}

// Kind implements provider.Gateway.
func (g *Gateway) Kind() models.Provider {
	return models.ProviderGoogle
}

// Capabilities implements provider.Gateway.
func (g *Gateway) Capabilities() provider.Capabilities {
	return provider.Capabilities{RequiresAuth: true, Webhooks: true}
}

func (g *Gateway) oauthConfig(redirectURI string) *oauth2.Config {
	cfg := *g.oauth
	cfg.RedirectURL = redirectURI
	return &cfg
}

// AuthorizeURL returns the consent URL. Offline access with forced consent
// makes Google return a refresh token on every exchange.
func (g *Gateway) AuthorizeURL(state, redirectURI string) string {
	return g.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a credential.
func (g *Gateway) ExchangeCode(ctx context.Context, code, redirectURI string) (provider.Credential, error) {
	tok, err := g.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return provider.Credential{}, wrapTokenError(err)
	}
	return credentialFromToken(tok), nil
}

// Refresh obtains a new access token from the refresh token.
func (g *Gateway) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	if cred.RefreshToken == "" {
		return provider.Credential{}, fmt.Errorf("%w: no refresh token", provider.ErrAuth)
	}

	// An expired token forces the source to refresh.
	src := g.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return provider.Credential{}, wrapTokenError(err)
	}

	refreshed := credentialFromToken(tok)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	return refreshed, nil
}

func credentialFromToken(tok *oauth2.Token) provider.Credential {
	return provider.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
	}
}

func (g *Gateway) service(ctx context.Context, target provider.Target) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: target.Credential.AccessToken,
		TokenType:   "Bearer",
	})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if g.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.cfg.Endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// call waits for the rate limiter, then maps the error of fn.
func (g *Gateway) call(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		return nil
	}
	if d, ok := retryAfter(err); ok {
		g.limiter.Backoff(d)
	}
	return WrapError(err)
}

// ListEvents returns events updated since the given time, including
// cancelled ones. A zero since lists everything.
func (g *Gateway) ListEvents(ctx context.Context, target provider.Target, since time.Time) (*provider.Listing, error) {
	svc, err := g.service(ctx, target)
	if err != nil {
		return nil, err
	}

	listing := &provider.Listing{}
	pageToken := ""
	for {
		req := svc.Events.List(target.CalendarID).
			Context(ctx).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(pageSize)
		if !since.IsZero() {
			req = req.UpdatedMin(since.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var page *calendar.Events
		err := g.call(ctx, func() error {
			var err error
			page, err = req.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}

		for _, item := range page.Items {
			ev, err := EventFromAPI(item)
			if err != nil {
				listing.Problems = append(listing.Problems, err)
				continue
			}
			listing.Events = append(listing.Events, ev)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return listing, nil
}

// CreateEvent inserts a new event.
func (g *Gateway) CreateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	svc, err := g.service(ctx, target)
	if err != nil {
		return provider.Receipt{}, err
	}

	var created *calendar.Event
	err = g.call(ctx, func() error {
		var err error
		created, err = svc.Events.Insert(target.CalendarID, EventToAPI(event)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return provider.Receipt{}, fmt.Errorf("creating event: %w", err)
	}
	return receipt(created), nil
}

// UpdateEvent patches an existing event. Fields the gateway does not manage
// (attendees, reminders) are left untouched upstream.
func (g *Gateway) UpdateEvent(ctx context.Context, target provider.Target, event provider.Event) (provider.Receipt, error) {
	if event.ExternalID == "" {
		return provider.Receipt{}, fmt.Errorf("%w: update without external id", provider.ErrData)
	}
	svc, err := g.service(ctx, target)
	if err != nil {
		return provider.Receipt{}, err
	}

	patch := EventToAPI(event)
	patch.ForceSendFields = []string{"Description", "Location", "Summary"}

	var updated *calendar.Event
	err = g.call(ctx, func() error {
		var err error
		updated, err = svc.Events.Patch(target.CalendarID, event.ExternalID, patch).Context(ctx).Do()
		return err
	})
	if err != nil {
		return provider.Receipt{}, fmt.Errorf("updating event %s: %w", event.ExternalID, err)
	}
	return receipt(updated), nil
}

// DeleteEvent removes an event.
func (g *Gateway) DeleteEvent(ctx context.Context, target provider.Target, externalID string) error {
	svc, err := g.service(ctx, target)
	if err != nil {
		return err
	}

	err = g.call(ctx, func() error {
		return svc.Events.Delete(target.CalendarID, externalID).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("deleting event %s: %w", externalID, err)
	}
	return nil
}

// SubscribeWebhook opens a push notification channel for the calendar.
// token is echoed back by Google in the X-Goog-Channel-Token header.
func (g *Gateway) SubscribeWebhook(ctx context.Context, target provider.Target, callbackURL, token string) (provider.Subscription, error) {
	svc, err := g.service(ctx, target)
	if err != nil {
		return provider.Subscription{}, err
	}

	req := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   token,
	}

	var ch *calendar.Channel
	err = g.call(ctx, func() error {
		var err error
		ch, err = svc.Events.Watch(target.CalendarID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("watching calendar: %w", err)
	}

	sub := provider.Subscription{ID: ch.Id, ResourceID: ch.ResourceId}
	if ch.Expiration > 0 {
		sub.Expiry = time.UnixMilli(ch.Expiration).UTC()
	}
	return sub, nil
}

// UnsubscribeWebhook stops a notification channel. A channel that no longer
// exists is not an error.
func (g *Gateway) UnsubscribeWebhook(ctx context.Context, target provider.Target, sub provider.Subscription) error {
	svc, err := g.service(ctx, target)
	if err != nil {
		return err
	}

	err = g.call(ctx, func() error {
		return svc.Channels.Stop(&calendar.Channel{Id: sub.ID, ResourceId: sub.ResourceID}).Context(ctx).Do()
	})
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("stopping channel %s: %w", sub.ID, err)
	}
	return nil
}

func receipt(ev *calendar.Event) provider.Receipt {
	r := provider.Receipt{ExternalID: ev.Id}
	if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
		r.LastModified = t.UTC()
	} else {
		r.LastModified = time.Now().UTC()
	}
	return r
}

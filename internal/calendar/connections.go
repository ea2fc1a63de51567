package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/calsync/backend/internal/auth"
	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// Settings holds the user-editable sync settings of a connection. Nil
// fields are left unchanged.
type Settings struct {
	Direction   *models.Direction `json:"sync_direction,omitempty"`
	Strategy    *models.Strategy  `json:"conflict_strategy,omitempty"`
	IntervalMin *int              `json:"sync_interval_min,omitempty"`
}

func (s Settings) apply(conn *models.Connection, caps provider.Capabilities) error {
	if s.Direction != nil {
		if !s.Direction.Valid() {
			return fmt.Errorf("%w: unknown sync direction %q", ErrInvalidSettings, *s.Direction)
		}
		conn.SyncDirection = *s.Direction
	}
	if s.Strategy != nil {
		if !s.Strategy.Valid() {
			return fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidSettings, *s.Strategy)
		}
		conn.ConflictStrategy = *s.Strategy
	}
	if s.IntervalMin != nil {
		if *s.IntervalMin < 1 {
			return fmt.Errorf("%w: sync interval must be at least 1 minute", ErrInvalidSettings)
		}
		conn.SyncIntervalMin = *s.IntervalMin
	}
	if caps.ReadOnly && conn.SyncDirection.Pushes() {
		return fmt.Errorf("%w: %s calendars can only sync from_external", provider.ErrReadOnly, conn.Provider)
	}
	return nil
}

// AuthorizeURL starts the consent flow for a new or re-authorized connection.
func (e *Engine) AuthorizeURL(userID string, kind models.Provider, calendarID, redirectURI string) (string, error) {
	if userID == "" || calendarID == "" {
		return "", fmt.Errorf("%w: user and calendar are required", ErrInvalidSettings)
	}
	gw, err := e.registry.Get(kind)
	if err != nil {
		return "", err
	}
	if !gw.Capabilities().RequiresAuth {
		return "", fmt.Errorf("%w: %s does not use authorization", ErrInvalidSettings, kind)
	}
	if e.signer == nil {
		return "", errors.New("calendar: no token signer configured")
	}

	state, err := e.signer.StateToken(auth.OAuthState{
		UserID:     userID,
		Provider:   kind,
		CalendarID: calendarID,
	})
	if err != nil {
		return "", err
	}
	return gw.AuthorizeURL(state, redirectURI), nil
}

// CompleteAuthorization exchanges the consent code and creates the
// connection, or re-authorizes an existing one. Re-authorizing clears the
// degraded flag.
func (e *Engine) CompleteAuthorization(ctx context.Context, state, code, redirectURI string) (*models.Connection, error) {
	if e.signer == nil {
		return nil, errors.New("calendar: no token signer configured")
	}
	st, err := e.signer.ParseStateToken(state)
	if err != nil {
		return nil, err
	}
	gw, err := e.registry.Get(st.Provider)
	if err != nil {
		return nil, err
	}

	cred, err := gw.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	conn := &models.Connection{
		UserID:             st.UserID,
		Provider:           st.Provider,
		ExternalCalendarID: st.CalendarID,
		AccessToken:        cred.AccessToken,
		RefreshToken:       cred.RefreshToken,
		SyncEnabled:        true,
	}
	if !cred.Expiry.IsZero() {
		expiry := cred.Expiry.UTC()
		conn.TokenExpiry = &expiry
	}
	if err := e.stores.Connections.Upsert(ctx, conn); err != nil {
		return nil, err
	}
	log.Printf("Authorized %s connection %s for user %s", conn.Provider, conn.ID, conn.UserID)

	if conn.SyncEnabled && conn.WebhookID == nil {
		e.subscribe(ctx, conn, gw, auth.CredentialOf(conn))
	}
	return conn, nil
}

// Connect creates a connection to a provider that needs no authorization,
// such as an iCal feed. The feed is fetched once to validate it.
func (e *Engine) Connect(ctx context.Context, userID string, kind models.Provider, calendarID string, settings Settings) (*models.Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidSettings)
	}
	calendarID = strings.TrimSpace(calendarID)
	if calendarID == "" {
		return nil, fmt.Errorf("%w: calendar is required", ErrInvalidSettings)
	}
	gw, err := e.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	caps := gw.Capabilities()
	if caps.RequiresAuth {
		return nil, fmt.Errorf("%w: %s connections are created through authorization", ErrInvalidSettings, kind)
	}

	conn := &models.Connection{
		UserID:             userID,
		Provider:           kind,
		ExternalCalendarID: calendarID,
		SyncEnabled:        true,
		SyncDirection:      models.DirectionBoth,
		ConflictStrategy:   models.StrategyLastModifiedWins,
	}
	if caps.ReadOnly {
		conn.SyncDirection = models.DirectionFromExternal
	}
	if err := settings.apply(conn, caps); err != nil {
		return nil, err
	}

	target := provider.Target{CalendarID: calendarID}
	if _, err := gw.ListEvents(ctx, target, time.Time{}); err != nil {
		return nil, fmt.Errorf("validating calendar: %w", err)
	}

	if err := e.stores.Connections.Upsert(ctx, conn); err != nil {
		return nil, err
	}
	log.Printf("Connected %s calendar %s for user %s", kind, conn.ID, userID)
	return conn, nil
}

// GetConnection returns a connection or ErrConnectionNotFound.
func (e *Engine) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	conn, err := e.stores.Connections.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// ListConnections returns the connections of a user.
func (e *Engine) ListConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidSettings)
	}
	return e.stores.Connections.List(ctx, userID)
}

// ListSyncLogs returns the most recent passes of a connection.
func (e *Engine) ListSyncLogs(ctx context.Context, connectionID string, limit int) ([]models.SyncLog, error) {
	if _, err := e.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.stores.SyncLogs.ListByConnection(ctx, connectionID, limit)
}

// UpdateSettings changes the sync settings of a connection.
func (e *Engine) UpdateSettings(ctx context.Context, id string, settings Settings) (*models.Connection, error) {
	conn, err := e.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	gw, err := e.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}
	if err := settings.apply(conn, gw.Capabilities()); err != nil {
		return nil, err
	}
	if err := e.stores.Connections.UpdateSettings(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// SetEnabled enables or disables sync. Webhook subscriptions follow.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Connection, error) {
	conn, err := e.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.stores.Connections.SetEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	conn.SyncEnabled = enabled

	gw, err := e.registry.Get(conn.Provider)
	if err != nil {
		return conn, nil
	}
	switch {
	case enabled && conn.WebhookID == nil && !conn.Degraded:
		if cred, err := e.guardian.EnsureValid(ctx, conn, gw); err == nil {
			e.subscribe(ctx, conn, gw, cred)
		}
	case !enabled && conn.WebhookID != nil:
		e.unsubscribe(ctx, conn, gw, auth.CredentialOf(conn))
	}
	return conn, nil
}

// DeleteConnection stops the webhook subscription and removes the
// connection with its events, conflicts and sync logs.
func (e *Engine) DeleteConnection(ctx context.Context, id string) error {
	conn, err := e.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if conn.WebhookID != nil {
		if gw, err := e.registry.Get(conn.Provider); err == nil {
			e.unsubscribe(ctx, conn, gw, auth.CredentialOf(conn))
		}
	}
	if err := e.stores.Connections.Delete(ctx, id); err != nil {
		return err
	}
	log.Printf("Deleted connection %s", id)
	return nil
}

// ConnectionForWebhook resolves the connection a push notification is for.
// The token is the one handed to the provider when subscribing.
func (e *Engine) ConnectionForWebhook(ctx context.Context, token, channelID string) (*models.Connection, error) {
	if e.signer == nil {
		return nil, auth.ErrInvalidToken
	}
	id, err := e.signer.ParseChannelToken(token)
	if err != nil {
		return nil, err
	}
	conn, err := e.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if channelID != "" && (conn.WebhookID == nil || *conn.WebhookID != channelID) {
		return nil, fmt.Errorf("%w: stale channel %s", auth.ErrInvalidToken, channelID)
	}
	return conn, nil
}

// RenewWebhooks replaces subscriptions that expire soon.
func (e *Engine) RenewWebhooks(ctx context.Context) error {
	conns, err := e.stores.Connections.ListWebhooksExpiring(ctx, e.now().Add(e.opts.RenewBefore))
	if err != nil {
		return err
	}

	for i := range conns {
		conn := &conns[i]
		if !conn.SyncEnabled || conn.Degraded {
			continue
		}
		gw, err := e.registry.Get(conn.Provider)
		if err != nil {
			continue
		}
		cred, err := e.guardian.EnsureValid(ctx, conn, gw)
		if err != nil {
			log.Printf("Cannot renew webhook of connection %s: %v", conn.ID, err)
			continue
		}
		e.unsubscribe(ctx, conn, gw, cred)
		e.subscribe(ctx, conn, gw, cred)
	}
	return nil
}

func (e *Engine) webhookURL(kind models.Provider) string {
	if e.opts.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimRight(e.opts.WebhookBaseURL, "/") + "/api/webhooks/" + string(kind)
}

// subscribe registers a push channel. Failures are logged; scheduled
// passes still pick up changes.
func (e *Engine) subscribe(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential) {
	callback := e.webhookURL(conn.Provider)
	if callback == "" || e.signer == nil || !gw.Capabilities().Webhooks {
		return
	}

	token, err := e.signer.ChannelToken(conn.ID)
	if err != nil {
		log.Printf("Failed to sign channel token for connection %s: %v", conn.ID, err)
		return
	}
	sub, err := gw.SubscribeWebhook(ctx, provider.Target{CalendarID: conn.ExternalCalendarID, Credential: cred}, callback, token)
	if err != nil {
		log.Printf("Failed to subscribe webhook for connection %s: %v", conn.ID, err)
		return
	}

	var expiry *time.Time
	if !sub.Expiry.IsZero() {
		t := sub.Expiry.UTC()
		expiry = &t
	}
	if err := e.stores.Connections.UpdateWebhook(ctx, conn.ID, &sub.ID, &sub.ResourceID, expiry); err != nil {
		log.Printf("Failed to store webhook for connection %s: %v", conn.ID, err)
		return
	}
	conn.WebhookID = &sub.ID
	conn.WebhookResourceID = &sub.ResourceID
	conn.WebhookExpiry = expiry
	log.Printf("Subscribed webhook %s for connection %s", sub.ID, conn.ID)
}

func (e *Engine) unsubscribe(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential) {
	if conn.WebhookID == nil {
		return
	}
	sub := provider.Subscription{ID: *conn.WebhookID}
	if conn.WebhookResourceID != nil {
		sub.ResourceID = *conn.WebhookResourceID
	}
	target := provider.Target{CalendarID: conn.ExternalCalendarID, Credential: cred}
	if err := gw.UnsubscribeWebhook(ctx, target, sub); err != nil {
		log.Printf("Failed to stop webhook %s for connection %s: %v", sub.ID, conn.ID, err)
	}
	if err := e.stores.Connections.UpdateWebhook(ctx, conn.ID, nil, nil, nil); err != nil {
		log.Printf("Failed to clear webhook for connection %s: %v", conn.ID, err)
		return
	}
	conn.WebhookID = nil
	conn.WebhookResourceID = nil
	conn.WebhookExpiry = nil
}

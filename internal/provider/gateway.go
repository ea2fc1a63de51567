// Package provider defines the normalized contract every external calendar
// provider implements, plus the registry that resolves a provider kind to
// its gateway.
package provider

import (
	"context"
	"time"

	"github.com/calsync/backend/internal/storage/models"
)

// Credential is the OAuth material for one connection. A zero Expiry means
// the access token does not expire.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ExpiresWithin reports whether the credential expires within d of now.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(d).Before(c.Expiry)
}

// Target addresses one external calendar with a valid credential.
type Target struct {
	CalendarID string
	Credential Credential
}

// Event is the provider-neutral shape of one external occurrence.
type Event struct {
	ExternalID   string
	Title        string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Status       models.EventStatus
	LastModified time.Time
}

// Snapshot converts the event to a stored snapshot.
func (e Event) Snapshot() models.Snapshot {
	return models.Snapshot{
		Version:     models.SnapshotVersion,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start.UTC(),
		End:         e.End.UTC(),
		AllDay:      e.AllDay,
		Status:      e.Status,
		ModifiedAt:  e.LastModified.UTC(),
	}
}

// Cancelled returns true if the provider reports the occurrence deleted.
func (e Event) Cancelled() bool {
	return e.Status == models.EventStatusCancelled
}

// EventFromSnapshot builds the outbound shape of an internal version.
func EventFromSnapshot(externalID string, s models.Snapshot) Event {
	return Event{
		ExternalID:   externalID,
		Title:        s.Title,
		Description:  s.Description,
		Location:     s.Location,
		Start:        s.Start,
		End:          s.End,
		AllDay:       s.AllDay,
		Status:       s.Status,
		LastModified: s.ModifiedAt,
	}
}

// Listing is the result of ListEvents.
type Listing struct {
	Events []Event

	// Complete is set when Events is the full current contents of the
	// calendar rather than the changes since a point in time. Ids absent
	// from a complete listing no longer exist upstream.
	Complete bool

	// Problems holds per-event decoding failures, each wrapping ErrData.
	Problems []error
}

// Receipt is returned by a successful write.
type Receipt struct {
	ExternalID   string
	LastModified time.Time
}

// Subscription is an active change-notification channel.
type Subscription struct {
	ID         string
	ResourceID string
	Expiry     time.Time
}

// Capabilities describes what a gateway supports.
type Capabilities struct {
	RequiresAuth bool
	ReadOnly     bool
	Webhooks     bool
}

// Gateway is the normalized contract to one provider. Errors wrap the
// sentinels in errors.go.
type Gateway interface {
	Kind() models.Provider
	Capabilities() Capabilities

	AuthorizeURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (Credential, error)
	Refresh(ctx context.Context, cred Credential) (Credential, error)

	ListEvents(ctx context.Context, target Target, since time.Time) (*Listing, error)
	CreateEvent(ctx context.Context, target Target, event Event) (Receipt, error)
	UpdateEvent(ctx context.Context, target Target, event Event) (Receipt, error)
	DeleteEvent(ctx context.Context, target Target, externalID string) error

	SubscribeWebhook(ctx context.Context, target Target, callbackURL, token string) (Subscription, error)
	UnsubscribeWebhook(ctx context.Context, target Target, sub Subscription) error
}

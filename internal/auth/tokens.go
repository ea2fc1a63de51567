package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/calsync/backend/internal/storage/models"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("auth: invalid token")

const (
	purposeChannel = "webhook_channel"
	purposeState   = "oauth_state"

	// DefaultChannelTTL outlives Google's maximum channel lifetime.
	DefaultChannelTTL = 30 * 24 * time.Hour
	// DefaultStateTTL bounds how long a consent screen may stay open.
	DefaultStateTTL = 10 * time.Minute
)

type claims struct {
	Purpose    string `json:"purpose"`
	Provider   string `json:"provider,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	jwt.RegisteredClaims
}

// OAuthState is the payload carried through the provider consent screen.
type OAuthState struct {
	UserID     string
	Provider   models.Provider
	CalendarID string
}

// Signer issues and verifies HS256 tokens.
type Signer struct {
	key        []byte
	issuer     string
	channelTTL time.Duration
	stateTTL   time.Duration
	now        func() time.Time
}

// NewSigner creates a signer. secret must not be empty.
func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	return &Signer{
		key:        []byte(secret),
		issuer:     issuer,
		channelTTL: DefaultChannelTTL,
		stateTTL:   DefaultStateTTL,
		now:        time.Now,
	}, nil
}

func (s *Signer) sign(c claims, ttl time.Duration) (string, error) {
	now := s.now()
	c.Issuer = s.issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Signer) parse(raw, purpose string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Purpose != purpose {
		return nil, fmt.Errorf("%w: wrong purpose %q", ErrInvalidToken, c.Purpose)
	}
	return &c, nil
}

// ChannelToken returns the token a provider echoes on webhook deliveries
// for a connection.
func (s *Signer) ChannelToken(connectionID string) (string, error) {
	return s.sign(claims{
		Purpose:          purposeChannel,
		RegisteredClaims: jwt.RegisteredClaims{Subject: connectionID},
	}, s.channelTTL)
}

// ParseChannelToken verifies a channel token and returns its connection id.
func (s *Signer) ParseChannelToken(raw string) (string, error) {
	c, err := s.parse(raw, purposeChannel)
	if err != nil {
		return "", err
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return c.Subject, nil
}

// StateToken encodes an OAuth state parameter.
func (s *Signer) StateToken(state OAuthState) (string, error) {
	return s.sign(claims{
		Purpose:          purposeState,
		Provider:         string(state.Provider),
		CalendarID:       state.CalendarID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: state.UserID},
	}, s.stateTTL)
}

// ParseStateToken verifies an OAuth state parameter.
func (s *Signer) ParseStateToken(raw string) (*OAuthState, error) {
	c, err := s.parse(raw, purposeState)
	if err != nil {
		return nil, err
	}
	return &OAuthState{
		UserID:     c.Subject,
		Provider:   models.Provider(c.Provider),
		CalendarID: c.CalendarID,
	}, nil
}

// Package realtime streams node status messages to browsers over
// Server-Sent Events and WebSockets. Subscriptions are authorised by
// short-lived tokens naming the channels a user may listen on.
package realtime

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a subscription token.
const DefaultTokenTTL = time.Hour

const tokenIssuer = "flowforge"

// ErrInvalidToken is returned when a token fails verification.
var ErrInvalidToken = errors.New("realtime: invalid token")

// Claims are the contents of a subscription token.
type Claims struct {
	UserID string `json:"uid"`
	// Channels the holder may subscribe to. Empty allows every channel.
	Channels []string `json:"channels,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants channel.
func (c *Claims) Allows(channel string) bool {
	return len(c.Channels) == 0 || slices.Contains(c.Channels, channel)
}

// Token is an issued subscription token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Channels  []string  `json:"channels,omitempty"`
}

// TokenIssuer signs and verifies HS256 subscription tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenClock overrides the issuer's clock.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(i *TokenIssuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewTokenIssuer creates an issuer. A non-positive ttl uses DefaultTokenTTL.
func NewTokenIssuer(secret string, ttl time.Duration, opts ...TokenOption) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("realtime: token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	i := &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for userID limited to channels.
func (i *TokenIssuer) Issue(userID string, channels []string) (Token, error) {
	if strings.TrimSpace(userID) == "" {
		return Token{}, errors.New("realtime: user id is required")
	}
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{
		UserID:   userID,
		Channels: channels,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("realtime: sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expires.UTC().Truncate(time.Second), Channels: channels}, nil
}

// Verify parses and validates a token.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

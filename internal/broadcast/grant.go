package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidGrant is returned for grants that fail signature or claim checks.
var ErrInvalidGrant = errors.New("invalid presence grant")

// Grant is the signed authorization a client presents to join a presence channel.
type Grant struct {
	Token     string    `json:"auth"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantClaims are the JWT claims of a presence grant. Subject is the user ID.
type GrantClaims struct {
	Tenant   string `json:"tenant"`
	Channel  string `json:"channel"`
	SocketID string `json:"socket_id"`
	jwt.RegisteredClaims
}

// GrantSigner issues and verifies HS256 presence grants.
type GrantSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewGrantSigner returns a signer for the given secret and grant lifetime.
func NewGrantSigner(secret string, ttl time.Duration) (*GrantSigner, error) {
	if secret == "" {
		return nil, errors.New("grant secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("grant ttl must be positive")
	}
	return &GrantSigner{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a grant for the user to join channel from socketID.
func (g *GrantSigner) Sign(userID, tenantID, channel, socketID string) (*Grant, error) {
	now := g.now()
	exp := now.Add(g.ttl)

	claims := GrantClaims{
		Tenant:   tenantID,
		Channel:  channel,
		SocketID: socketID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign grant: %w", err)
	}
	return &Grant{Token: token, Channel: channel, ExpiresAt: exp}, nil
}

// Verify parses a grant and checks its signature and expiry.
func (g *GrantSigner) Verify(token string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if claims.Subject == "" || claims.Channel == "" {
		return nil, fmt.Errorf("%w: missing subject or channel", ErrInvalidGrant)
	}
	return claims, nil
}

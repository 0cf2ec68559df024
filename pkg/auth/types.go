// Package auth provides bearer-token authentication for the retrieval API.
//
// Two kinds of tokens are accepted:
//  1. Session tokens, HS256-signed JWTs issued by Authenticate to a
//     registered user and expiring after the configured TTL
//  2. Static API tokens, loaded from configuration for service callers
//
// Every token carries scopes. Key generation hands out secret key material
// and requires ScopeAdmin.
package auth

import (
	"crypto/rand"
	"time"
)

// Scopes for authorization
const (
	// ScopeRetrieve allows ranking and listing documents
	ScopeRetrieve = "retrieve"
	// ScopeIngest allows adding and deleting documents
	ScopeIngest = "ingest"
	// ScopeAdmin allows full access including key generation
	ScopeAdmin = "admin"
)

// Token represents an authentication token with associated metadata.
type Token struct {
	// TokenID is the bearer value presented by the caller. It is the signed
	// JWT for session tokens and empty for static tokens.
	TokenID string `json:"token,omitempty"`

	// ID is the JWT ID of a session token.
	ID string `json:"jti,omitempty"`

	// Subject identifies the user or service the token was issued to
	Subject string `json:"subject"`

	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is zero for static tokens, which never expire
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scopes defines what operations this token allows
	Scopes []string `json:"scopes"`
}

// IsExpired returns true if the token has expired.
func (t *Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// HasScope checks if the token has a specific scope. ScopeAdmin implies all.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// User represents a registered user.
type User struct {
	UserID       string
	PasswordHash []byte
	Scopes       []string
	Enabled      bool
	CreatedAt    time.Time
	LastLogin    time.Time
}

// ServiceConfig holds auth service configuration.
type ServiceConfig struct {
	// TokenTTL is the lifetime of session tokens.
	TokenTTL time.Duration

	// RefreshWindow is how long before expiry a session token may be refreshed.
	RefreshWindow time.Duration

	// SigningKey signs session JWTs. When empty a random key is generated
	// and sessions do not survive a restart.
	SigningKey []byte
}

// DefaultServiceConfig returns a one-hour session with a ten-minute refresh window.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TokenTTL:      time.Hour,
		RefreshWindow: 10 * time.Minute,
	}
}

// Validate fills unset fields with defaults.
func (c *ServiceConfig) Validate() {
	d := DefaultServiceConfig()
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.RefreshWindow <= 0 || c.RefreshWindow > c.TokenTTL {
		c.RefreshWindow = d.RefreshWindow
		if c.RefreshWindow > c.TokenTTL {
			c.RefreshWindow = c.TokenTTL
		}
	}
	if len(c.SigningKey) == 0 {
		c.SigningKey = make([]byte, 32)
		rand.Read(c.SigningKey)
	}
}

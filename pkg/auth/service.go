package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "cipherrag"

var (
	// ErrInvalidToken is returned when a token is invalid, revoked or not found.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUnauthorized is returned when a valid token lacks a required scope.
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("token has expired")
	// ErrUserNotFound is returned when a user is not found.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned when credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when trying to create an existing user.
	ErrUserExists = errors.New("user already exists")
	// ErrUserDisabled is returned when a user account is disabled.
	ErrUserDisabled = errors.New("user account is disabled")
	// ErrTokenNotRefreshable is returned when a token is not yet eligible for refresh.
	ErrTokenNotRefreshable = errors.New("token not yet eligible for refresh")
)

// sessionClaims are the JWT claims of a session token.
type sessionClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Service issues and validates bearer tokens.
type Service struct {
	config ServiceConfig
	now    func() time.Time

	// sessions holds issued session tokens by JWT ID. A signed JWT whose ID
	// is missing here has been revoked.
	sessions map[string]*Token
	// static tokens are keyed by the SHA-256 of their value so the
	// configured secrets are not held in memory in the clear.
	static map[[32]byte]*Token
	users  map[string]*User
	mu     sync.RWMutex
}

// NewService creates a new authentication service.
func NewService(cfg ServiceConfig) *Service {
	cfg.Validate()
	return &Service{
		config:   cfg,
		now:      time.Now,
		sessions: make(map[string]*Token),
		static:   make(map[[32]byte]*Token),
		users:    make(map[string]*User),
	}
}

// AddStaticToken registers a non-expiring API token.
func (s *Service) AddStaticToken(value, subject string, scopes []string) error {
	if value == "" {
		return errors.New("static token must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static[sha256.Sum256([]byte(value))] = &Token{
		Subject:  subject,
		IssuedAt: s.now(),
		Scopes:   scopes,
	}
	return nil
}

// RegisterUser registers a user. The password is stored as a bcrypt hash.
func (s *Service) RegisterUser(ctx context.Context, userID string, password []byte, scopes []string) error {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.RegisterUserHash(ctx, userID, hash, scopes)
}

// RegisterUserHash registers a user from an existing bcrypt hash, as found
// in configuration files.
func (s *Service) RegisterUserHash(ctx context.Context, userID string, hash []byte, scopes []string) error {
	if _, err := bcrypt.Cost(hash); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; exists {
		return ErrUserExists
	}
	s.users[userID] = &User{
		UserID:       userID,
		PasswordHash: hash,
		Scopes:       scopes,
		Enabled:      true,
		CreatedAt:    s.now(),
	}
	return nil
}

// Authenticate checks a user's password and issues a session token.
func (s *Service) Authenticate(ctx context.Context, userID string, password []byte) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if !user.Enabled {
		return nil, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	user.LastLogin = s.now()
	return s.issueLocked(user.UserID, user.Scopes)
}

func (s *Service) issueLocked(subject string, scopes []string) (*Token, error) {
	now := s.now()
	token := &Token{
		ID:        generateTokenID(),
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.TokenTTL),
		Scopes:    scopes,
	}
	claims := sessionClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	token.TokenID = signed
	s.sessions[token.ID] = token

	copied := *token
	return &copied, nil
}

// parseSession verifies a session JWT and returns its claims. Expiry is
// only checked when validate is set.
func (s *Service) parseSession(value string, validate bool) (*sessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	}
	if validate {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return s.config.SigningKey, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken validates a bearer value and returns the associated Token.
func (s *Service) ValidateToken(ctx context.Context, value string) (*Token, error) {
	if strings.Count(value, ".") == 2 {
		claims, err := s.parseSession(value, true)
		if errors.Is(err, ErrTokenExpired) {
			return nil, err
		}
		if err == nil {
			s.mu.RLock()
			token, ok := s.sessions[claims.ID]
			s.mu.RUnlock()
			if !ok {
				return nil, ErrInvalidToken
			}
			return token, nil
		}
	}

	sum := sha256.Sum256([]byte(value))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, token := range s.static {
		if subtle.ConstantTimeCompare(key[:], sum[:]) == 1 {
			return token, nil
		}
	}
	return nil, ErrInvalidToken
}

// Authorize validates value and checks that it carries scope.
func (s *Service) Authorize(ctx context.Context, value, scope string) (*Token, error) {
	token, err := s.ValidateToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if !token.HasScope(scope) {
		return nil, ErrUnauthorized
	}
	return token, nil
}

// RefreshToken replaces a session token that is within the refresh window.
func (s *Service) RefreshToken(ctx context.Context, value string) (*Token, error) {
	claims, err := s.parseSession(value, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.sessions[claims.ID]
	if !ok {
		return nil, ErrInvalidToken
	}
	if token.ExpiresAt.Sub(s.now()) > s.config.RefreshWindow {
		return nil, ErrTokenNotRefreshable
	}

	user, ok := s.users[token.Subject]
	if !ok {
		return nil, ErrUserNotFound
	}
	if !user.Enabled {
		return nil, ErrUserDisabled
	}

	delete(s.sessions, claims.ID)
	return s.issueLocked(user.UserID, user.Scopes)
}

// RevokeToken invalidates a session token. Unknown tokens are ignored.
func (s *Service) RevokeToken(ctx context.Context, value string) error {
	claims, err := s.parseSession(value, false)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, claims.ID)
	return nil
}

// DisableUser disables a user account and revokes its session tokens.
func (s *Service) DisableUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Enabled = false

	for id, token := range s.sessions {
		if token.Subject == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

// CleanupExpiredTokens drops expired sessions from memory.
func (s *Service) CleanupExpiredTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, token := range s.sessions {
		if now.After(token.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count
}

// RunCleanup calls CleanupExpiredTokens every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpiredTokens()
		}
	}
}

// ActiveTokenCount returns the number of unexpired session tokens.
func (s *Service) ActiveTokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	count := 0
	for _, token := range s.sessions {
		if !now.After(token.ExpiresAt) {
			count++
		}
	}
	return count
}

// generateTokenID creates a cryptographically secure token ID.
func generateTokenID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

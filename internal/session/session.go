// Package session holds the authenticated identity the chat core runs under.
// The identity is read-only input: it is established once from the backend's
// access token and never mutated by chat operations.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken = errors.New("empty access token")
	ErrBadToken   = errors.New("malformed access token")
)

// Identity is the subset of token claims the client cares about.
type Identity struct {
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// FromToken extracts the identity hints from an access token without
// verifying its signature. Verification is the backend's job; the client
// only needs the claims to scope room membership and compute message
// ownership before /auth/me resolves.
func FromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrEmptyToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, ErrBadToken
	}

	var id Identity

	if sub, err := claims.GetSubject(); err == nil {
		id.Username = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if uid, ok := claims["uid"].(float64); ok {
		id.UserID = int64(uid)
	}

	return id, nil
}

// Session couples a bearer token with its identity. Safe for concurrent use.
type Session struct {
	mu       sync.RWMutex
	token    string
	identity Identity
}

// New builds a Session from a raw access token.
func New(token string) (*Session, error) {
	id, err := FromToken(token)
	if err != nil {
		return nil, err
	}
	return &Session{token: token, identity: id}, nil
}

// Token returns the raw bearer token. Implements the api.TokenSource contract.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the current identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Bind overrides the claims-derived identity with authoritative values,
// typically from the auth/me endpoint.
func (s *Session) Bind(userID int64, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.UserID = userID
	s.identity.Username = username
}

// Expired reports whether the token's exp claim has passed. Tokens without
// an exp claim never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.identity.ExpiresAt.IsZero() && now.After(s.identity.ExpiresAt)
}

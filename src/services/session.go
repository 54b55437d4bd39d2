package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
)

const sessionIssuer = "gatekeeper"

// ErrInvalidSession indicates a missing, expired or revoked session token
var ErrInvalidSession = errors.New("invalid session")

// SessionClaims represents JWT claims for a signed-in account
type SessionClaims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates session tokens for interactive logins
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> token expiry
}

// NewSessionManager creates a session manager; secret must be at least 32 bytes
func NewSessionManager(secret string, ttl time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 characters long")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}, nil
}

// TTL returns the session lifetime
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a token for account
func (m *SessionManager) Issue(account *models.Account) (string, *SessionClaims, error) {
	now := m.now()
	claims := &SessionClaims{
		AccountID: account.ID.String(),
		Username:  account.Username,
		IsAdmin:   account.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    sessionIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies a token and returns its claims
func (m *SessionManager) Parse(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidSession
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidSession)
	}
	return claims, nil
}

// Revoke invalidates a session before its expiry
func (m *SessionManager) Revoke(claims *SessionClaims) {
	if claims == nil || claims.ID == "" {
		return
	}
	expires := m.now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	m.mu.Lock()
	m.revoked[claims.ID] = expires
	m.mu.Unlock()
}

// Sweep forgets revocations whose tokens have expired anyway
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, id)
			n++
		}
	}
	return n
}

// Identity converts session claims to the request identity.
// Admins hold every scope; other accounts get read and write.
func (m *SessionManager) Identity(claims *SessionClaims, quota int) *models.Identity {
	scopes := []models.Scope{models.ScopeRead, models.ScopeWrite}
	if claims.IsAdmin {
		scopes = append([]models.Scope(nil), models.AllScopes...)
	}
	return &models.Identity{
		Subject:   claims.Username,
		SessionID: claims.ID,
		Scopes:    scopes,
		Quota:     quota,
		Method:    models.AuthMethodSession,
	}
}

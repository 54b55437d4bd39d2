package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/khabaroff/gatekeeper/src/models"
)

// CSRFConfig holds the token policy
type CSRFConfig struct {
	Secret string
	TTL    time.Duration
	// Rotate issues a fresh token on every Issue; otherwise the live token is reused
	Rotate bool
	// Bound ties tokens to a session id; unbound is stateless double-submit
	Bound bool
}

// CSRFManager issues and validates double-submit tokens.
// Token format: <nonce b64url>.<expiry unix>.<mac b64url>, where
// mac = HMAC-SHA256(secret, nonce|expiry|sessionID).
type CSRFManager struct {
	key []byte
	cfg CSRFConfig
	now func() time.Time

	mu      sync.Mutex
	current map[string]models.CSRFToken
}

// NewCSRFManager creates a manager; TTL defaults to two hours
func NewCSRFManager(cfg CSRFConfig) (*CSRFManager, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("csrf secret must be at least 16 characters")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	return &CSRFManager{
		key:     []byte(cfg.Secret),
		cfg:     cfg,
		now:     time.Now,
		current: make(map[string]models.CSRFToken),
	}, nil
}

// TTL returns the configured token lifetime
func (m *CSRFManager) TTL() time.Duration {
	return m.cfg.TTL
}

func (m *CSRFManager) mac(nonce, expiry, sessionID string) []byte {
	h := hmac.New(sha256.New, m.key)
	h.Write([]byte(nonce))
	h.Write([]byte{'|'})
	h.Write([]byte(expiry))
	h.Write([]byte{'|'})
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}

func (m *CSRFManager) binding(sessionID string) string {
	if !m.cfg.Bound {
		return ""
	}
	return sessionID
}

// Issue returns a token for sessionID. In bound mode without rotation the
// session's live token is returned again.
func (m *CSRFManager) Issue(sessionID string) (models.CSRFToken, error) {
	if m.cfg.Bound && sessionID == "" {
		return models.CSRFToken{}, errors.New("bound csrf tokens need a session")
	}

	now := m.now()
	if m.cfg.Bound {
		m.mu.Lock()
		defer m.mu.Unlock()
		if tok, ok := m.current[sessionID]; ok && !m.cfg.Rotate && now.Before(tok.ExpiresAt) {
			return tok, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return models.CSRFToken{}, fmt.Errorf("failed to generate csrf token: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := now.Add(m.cfg.TTL).Truncate(time.Second)
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := base64.RawURLEncoding.EncodeToString(m.mac(nonce, expiry, m.binding(sessionID)))

	tok := models.CSRFToken{
		Value:     nonce + "." + expiry + "." + mac,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		SessionID: m.binding(sessionID),
	}
	if m.cfg.Bound {
		m.current[sessionID] = tok
	}
	return tok, nil
}

// Validate accepts the request only if both copies are present, identical,
// authentic, unexpired and, in bound mode, the session's current token.
func (m *CSRFManager) Validate(cookieToken, submittedToken, sessionID string) error {
	if cookieToken == "" || submittedToken == "" {
		return ErrCSRFTokenInvalid
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(submittedToken)) != 1 {
		return ErrCSRFTokenInvalid
	}

	parts := strings.Split(submittedToken, ".")
	if len(parts) != 3 {
		return ErrCSRFTokenInvalid
	}
	nonce, expiry, macPart := parts[0], parts[1], parts[2]
	claimed, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return ErrCSRFTokenInvalid
	}
	if !hmac.Equal(claimed, m.mac(nonce, expiry, m.binding(sessionID))) {
		return ErrCSRFTokenInvalid
	}

	exp, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return ErrCSRFTokenInvalid
	}
	if !m.now().Before(time.Unix(exp, 0)) {
		return ErrCSRFTokenExpired
	}

	if m.cfg.Bound {
		m.mu.Lock()
		current, ok := m.current[sessionID]
		m.mu.Unlock()
		if !ok || subtle.ConstantTimeCompare([]byte(current.Value), []byte(submittedToken)) != 1 {
			return ErrCSRFTokenInvalid
		}
	}
	return nil
}

// Revoke forgets the session's token, e.g. on logout
func (m *CSRFManager) Revoke(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, sessionID)
}

// Sweep drops expired session tokens
func (m *CSRFManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for sid, tok := range m.current {
		if !now.Before(tok.ExpiresAt) {
			delete(m.current, sid)
			removed++
		}
	}
	return removed
}

package models

import (
	"time"
)

// APIKey is the durable record of a non-interactive credential.
// The secret itself is never stored: SecretHash is sha256(salt || secret) and
// SigningSecret is the secret sealed with the server's AES-256-GCM key.
type APIKey struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	SecretSalt    []byte     `json:"-"`
	SecretHash    []byte     `json:"-"`
	SigningSecret []byte     `json:"-"`
	Scopes        []Scope    `json:"scopes"`
	RateLimit     int        `json:"rate_limit"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// IsRevoked reports whether the key has been revoked
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key is past its expiry at the given time
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// HasScope reports whether scope is among the key's granted scopes
func (k *APIKey) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Outcome labels a gateway decision
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// UsageRecord is an append-only audit row for a key-authenticated request
type UsageRecord struct {
	KeyID     string    `json:"key_id"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Outcome   string    `json:"outcome"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent,omitempty"`
}

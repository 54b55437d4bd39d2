package models

// Scope is a named permission granted to an API key
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// AllScopes lists every scope a key can be granted
var AllScopes = []Scope{ScopeRead, ScopeWrite, ScopeAdmin}

// ValidScope reports whether s is a known scope
func ValidScope(s Scope) bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// AuthMethod identifies how an identity was resolved
type AuthMethod string

const (
	// AuthMethodAPIKey identifies non-interactive callers presenting X-API-Key
	AuthMethodAPIKey AuthMethod = "api_key"
	// AuthMethodSession identifies browser callers holding a session cookie
	AuthMethodSession AuthMethod = "session"
)

// Request headers and cookies consumed by the gateway
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderSignature     = "X-Signature"
	HeaderTimestamp     = "X-Timestamp"
	HeaderCSRFToken     = "X-CSRF-Token"
	HeaderRequestID     = "X-Request-ID"
	HeaderRetryAfter    = "Retry-After"
	HeaderAPIVersion    = "X-API-Version"
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"

	CookieCSRF    = "csrftoken"
	CookieSession = "session_token"

	FormCSRFToken = "csrf_token"
)

// KeyPrefix is prepended to every presented API key
const KeyPrefix = "gk_"

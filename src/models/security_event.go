package models

import "time"

// Security event kinds
const (
	EventAPIKeyAuth     = "api_key.auth"
	EventAPIKeyCreated  = "api_key.created"
	EventAPIKeyRevoked  = "api_key.revoked"
	EventSignature      = "request.signature"
	EventRateLimit      = "request.rate_limit"
	EventAuthorization  = "request.authorization"
	EventLogin          = "login.attempt"
	EventLockout        = "login.lockout"
	EventLockoutCleared = "login.lockout_cleared"
	EventCSRF           = "csrf.validate"
	EventUpload         = "upload.validate"
	EventEscalation     = "security.escalation"
)

// SecurityEvent is an auditable gateway decision
type SecurityEvent struct {
	Time      time.Time         `json:"time"`
	Kind      string            `json:"kind"`
	Outcome   Outcome           `json:"outcome"`
	Identity  string            `json:"identity,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Path      string            `json:"path,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

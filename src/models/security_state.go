package models

import "time"

// LoginState is the lockout status of an identity
type LoginState string

const (
	LoginStateActive LoginState = "active"
	LoginStateLocked LoginState = "locked"
)

// LoginAttemptState tracks failed credential checks for one identity
type LoginAttemptState struct {
	Identity    string     `json:"identity"`
	Count       int        `json:"count"`
	WindowStart time.Time  `json:"window_start"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// State reports whether the identity is locked at the given time
func (s LoginAttemptState) State(now time.Time) LoginState {
	if s.LockedUntil != nil && now.Before(*s.LockedUntil) {
		return LoginStateLocked
	}
	return LoginStateActive
}

// CSRFToken is an issued double-submit token
type CSRFToken struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"-"`
}

// UploadCandidate is a file payload awaiting validation
type UploadCandidate struct {
	Payload      []byte
	Filename     string
	DeclaredMIME string
	Size         int64
}

// AcceptedUpload is the result of a successful validation
type AcceptedUpload struct {
	StorageName string `json:"storage_name"`
	Category    string `json:"category"`
	Format      string `json:"format"`
	SniffedMIME string `json:"sniffed_mime"`
	Size        int64  `json:"size"`
}

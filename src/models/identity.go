package models

// Identity is the caller resolved for the current request
type Identity struct {
	Subject   string     `json:"subject"`
	KeyID     string     `json:"key_id,omitempty"`
	SessionID string     `json:"-"`
	Scopes    []Scope    `json:"scopes"`
	Quota     int        `json:"-"`
	Method    AuthMethod `json:"method"`
}

// HasScope reports whether the identity was granted scope
func (i *Identity) HasScope(scope Scope) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RateKey returns the counter key used for per-identity rate limiting
func (i *Identity) RateKey() string {
	if i.KeyID != "" {
		return "key:" + i.KeyID
	}
	return "user:" + i.Subject
}

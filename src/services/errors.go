package services

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for explicit error handling
// These errors allow callers to distinguish between different failure modes
// using errors.Is() instead of string matching

var (
	// ErrInvalidKey indicates the presented key is unknown or malformed
	ErrInvalidKey = errors.New("invalid api key")

	// ErrRevokedKey indicates the presented key was revoked
	ErrRevokedKey = errors.New("revoked api key")

	// ErrExpiredKey indicates the presented key is past its expiry
	ErrExpiredKey = errors.New("expired api key")

	// ErrInsufficientScope indicates the caller lacks a required scope
	ErrInsufficientScope = errors.New("insufficient scope")

	// ErrForbidden indicates a non-scope capability check failed
	ErrForbidden = errors.New("forbidden")

	// ErrMalformedSignedRequest indicates missing or unparsable signature headers
	ErrMalformedSignedRequest = errors.New("malformed signed request")

	// ErrSignatureMismatch indicates the HMAC did not match the canonical request
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrStaleTimestamp indicates the signing time is outside the skew tolerance
	ErrStaleTimestamp = errors.New("stale timestamp")

	// ErrReplayedNonce indicates a signed request was already seen
	ErrReplayedNonce = errors.New("replayed nonce")

	// ErrRateLimitExceeded indicates the caller's quota is exhausted
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAccountLocked indicates too many failed logins
	ErrAccountLocked = errors.New("account locked")

	// ErrInvalidCredentials indicates authentication failed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCSRFTokenInvalid indicates a missing or mismatched CSRF token
	ErrCSRFTokenInvalid = errors.New("csrf token invalid")

	// ErrCSRFTokenExpired indicates the CSRF token TTL elapsed
	ErrCSRFTokenExpired = errors.New("csrf token expired")

	// ErrUnsupportedFileType indicates the extension or declared MIME is not whitelisted
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrFileTooLarge indicates the payload exceeds the per-type size limit
	ErrFileTooLarge = errors.New("file too large")

	// ErrMagicByteMismatch indicates the payload's leading bytes contradict its claimed type
	ErrMagicByteMismatch = errors.New("magic byte mismatch")

	// ErrUpstreamStoreUnavailable indicates the key store failed or timed out
	ErrUpstreamStoreUnavailable = errors.New("upstream store unavailable")

	// ErrKeyNotFound indicates the requested key does not exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrUserNotFound indicates the user does not exist
	ErrUserNotFound = errors.New("user not found")
)

// RetryError carries a retry-after hint alongside a denial
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryAfter extracts the retry-after hint from err, if any
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrUpstreamStoreUnavailable, "upstream_store_unavailable"},
	{ErrRevokedKey, "revoked_key"},
	{ErrExpiredKey, "expired_key"},
	{ErrInvalidKey, "invalid_key"},
	{ErrInsufficientScope, "insufficient_scope"},
	{ErrForbidden, "forbidden"},
	{ErrMalformedSignedRequest, "malformed_signed_request"},
	{ErrSignatureMismatch, "signature_mismatch"},
	{ErrStaleTimestamp, "stale_timestamp"},
	{ErrReplayedNonce, "replayed_nonce"},
	{ErrRateLimitExceeded, "rate_limit_exceeded"},
	{ErrAccountLocked, "account_locked"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrCSRFTokenExpired, "csrf_token_expired"},
	{ErrCSRFTokenInvalid, "csrf_token_invalid"},
	{ErrUnsupportedFileType, "unsupported_file_type"},
	{ErrFileTooLarge, "file_too_large"},
	{ErrMagicByteMismatch, "magic_byte_mismatch"},
}

// ReasonCode maps an error to the stable code recorded in security events
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal_error"
}

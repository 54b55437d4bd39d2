package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// errorMapping ties sentinel errors to a status and the generic message
// clients see. The precise reason only goes to logs and security events.
var errorMapping = []struct {
	err     error
	status  int
	message string
}{
	{services.ErrUpstreamStoreUnavailable, http.StatusServiceUnavailable, "service temporarily unavailable"},
	{services.ErrMalformedSignedRequest, http.StatusBadRequest, "malformed signed request"},
	{services.ErrInvalidKey, http.StatusUnauthorized, "authentication failed"},
	{services.ErrRevokedKey, http.StatusUnauthorized, "authentication failed"},
	{services.ErrExpiredKey, http.StatusUnauthorized, "authentication failed"},
	{services.ErrSignatureMismatch, http.StatusUnauthorized, "authentication failed"},
	{services.ErrStaleTimestamp, http.StatusUnauthorized, "authentication failed"},
	{services.ErrReplayedNonce, http.StatusUnauthorized, "authentication failed"},
	{services.ErrInvalidSession, http.StatusUnauthorized, "authentication failed"},
	{services.ErrInvalidCredentials, http.StatusUnauthorized, "invalid credentials"},
	{services.ErrInsufficientScope, http.StatusForbidden, "forbidden"},
	{services.ErrForbidden, http.StatusForbidden, "forbidden"},
	{services.ErrCSRFTokenInvalid, http.StatusForbidden, "csrf validation failed"},
	{services.ErrCSRFTokenExpired, http.StatusForbidden, "csrf validation failed"},
	{services.ErrRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded"},
	{services.ErrAccountLocked, http.StatusTooManyRequests, "too many failed attempts"},
	{services.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file too large"},
	{services.ErrUnsupportedFileType, http.StatusBadRequest, "unsupported file"},
	{services.ErrMagicByteMismatch, http.StatusBadRequest, "unsupported file"},
	{services.ErrKeyNotFound, http.StatusNotFound, "not found"},
	{services.ErrUserNotFound, http.StatusNotFound, "not found"},
}

// StatusFor maps err to an HTTP status and client-facing message
func StatusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

// AbortWithError writes the JSON error response for err and stops the chain.
// Denials carrying a retry hint get a Retry-After header in whole seconds.
func AbortWithError(c *gin.Context, err error) {
	status, message := StatusFor(err)
	_ = c.Error(err)

	if retry, ok := services.RetryAfter(err); ok {
		secs := int(math.Ceil(retry.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header(models.HeaderRetryAfter, strconv.Itoa(secs))
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"request_id": GetRequestID(c),
	})
}

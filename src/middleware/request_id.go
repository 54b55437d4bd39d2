package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
)

// RequestIDKey is the context key for request ID
const RequestIDKey = "request_id"

const maxRequestIDLength = 64

// RequestIDMiddleware adds a unique request ID to each request and to the
// request context, so services can tag their logs and security events
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(models.HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			// Generate short UUID for readability
			requestID = uuid.New().String()[:8]
		}

		c.Set(RequestIDKey, requestID)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), requestID))
		c.Header(models.HeaderRequestID, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

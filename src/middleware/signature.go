package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// DefaultMaxSignedBody caps the body read for signature verification
const DefaultMaxSignedBody = 1 << 20

// VerifySignature checks X-Signature and X-Timestamp over the canonical
// request. It must run after Identify; only API key callers can sign.
func VerifySignature(v *services.Verifier, maxBody int64) gin.HandlerFunc {
	if maxBody <= 0 {
		maxBody = DefaultMaxSignedBody
	}

	return func(c *gin.Context) {
		identity := GetIdentity(c)
		if identity == nil || identity.KeyID == "" {
			AbortWithError(c, fmt.Errorf("%w: signed routes need an api key", services.ErrMalformedSignedRequest))
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					AbortWithError(c, fmt.Errorf("%w: signed body over %d bytes", services.ErrFileTooLarge, maxBody))
					return
				}
				AbortWithError(c, fmt.Errorf("%w: failed to read body", services.ErrMalformedSignedRequest))
				return
			}
		}

		err := v.Verify(c.Request.Context(), services.SignedRequest{
			Method:      c.Request.Method,
			EscapedPath: c.Request.URL.EscapedPath(),
			RawQuery:    c.Request.URL.RawQuery,
			Body:        body,
			Timestamp:   c.GetHeader(models.HeaderTimestamp),
			Signature:   c.GetHeader(models.HeaderSignature),
			KeyID:       identity.KeyID,
			ClientIP:    c.ClientIP(),
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}

		// Restore body for next handlers
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

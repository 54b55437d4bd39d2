package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// OwnerFunc extracts the owner of the addressed resource from the request
type OwnerFunc func(c *gin.Context) string

// OwnerParam reads the owner from a path parameter
func OwnerParam(name string) OwnerFunc {
	return func(c *gin.Context) string {
		return c.Param(name)
	}
}

// Authorize evaluates check against the resolved identity
func Authorize(check services.Capability, owner OwnerFunc, sink services.SecurityEventSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := GetIdentity(c)
		req := services.AccessRequest{Identity: identity}
		if owner != nil {
			req.OwnerID = owner(c)
		}

		err := check.Check(req)
		if err == nil {
			c.Next()
			return
		}

		event := models.SecurityEvent{
			Kind:     models.EventAuthorization,
			Outcome:  models.OutcomeDeny,
			Reason:   services.ReasonCode(err),
			ClientIP: c.ClientIP(),
			Path:     c.Request.URL.Path,
			Detail:   map[string]string{"capability": check.String()},
		}
		if identity != nil {
			event.Identity = identity.Subject
		}
		services.Emit(c.Request.Context(), sink, event)
		AbortWithError(c, err)
	}
}

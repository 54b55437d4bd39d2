package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// Context keys set by the identity stage
const (
	IdentityKey      = "identity"
	SessionClaimsKey = "session_claims"
)

var errNoCredentials = fmt.Errorf("%w: no credentials presented", services.ErrInvalidKey)

// Authenticator resolves the caller from an API key or a session token
type Authenticator struct {
	Keys     *services.KeyService
	Sessions *services.SessionManager
	// SessionQuota is the per-minute quota of interactive sessions
	SessionQuota int
}

// GetIdentity returns the identity resolved for the request, or nil
func GetIdentity(c *gin.Context) *models.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*models.Identity); ok {
			return id
		}
	}
	return nil
}

// GetSessionClaims returns the session claims when the caller used a session
func GetSessionClaims(c *gin.Context) *services.SessionClaims {
	if v, ok := c.Get(SessionClaimsKey); ok {
		if claims, ok := v.(*services.SessionClaims); ok {
			return claims
		}
	}
	return nil
}

// sessionToken reads the session from its cookie, falling back to a Bearer header
func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(models.CookieSession); err == nil && cookie != "" {
		return cookie
	}
	if parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// gatewayError returns the last security denial raised further down the chain
func gatewayError(c *gin.Context) error {
	for i := len(c.Errors) - 1; i >= 0; i-- {
		if err := c.Errors[i].Err; services.ReasonCode(err) != "internal_error" {
			return err
		}
	}
	return nil
}

// Identify resolves the caller and, when required is set, checks the scope.
// X-API-Key wins over a session when both are present.
func Identify(auth Authenticator, required models.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if presented := c.GetHeader(models.HeaderAPIKey); presented != "" && auth.Keys != nil {
			meta := services.RequestMeta{
				Endpoint:  c.Request.URL.Path,
				Method:    c.Request.Method,
				ClientIP:  c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			}
			identity, err := auth.Keys.Authenticate(ctx, presented, required, meta)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			c.Set(IdentityKey, identity)
			c.Next()
			auth.Keys.RecordOutcome(ctx, identity.KeyID, gatewayError(c), meta)
			return
		}

		token := sessionToken(c)
		if token == "" || auth.Sessions == nil {
			AbortWithError(c, errNoCredentials)
			return
		}
		claims, err := auth.Sessions.Parse(token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		identity := auth.Sessions.Identity(claims, auth.SessionQuota)
		if required != "" {
			if err := services.RequireScopes(required).Check(services.AccessRequest{Identity: identity}); err != nil {
				AbortWithError(c, err)
				return
			}
		}

		c.Set(IdentityKey, identity)
		c.Set(SessionClaimsKey, claims)
		c.Next()
	}
}

// RequireAdminSession allows only signed-in admin accounts
func RequireAdminSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetSessionClaims(c)
		if claims == nil || !claims.IsAdmin {
			AbortWithError(c, fmt.Errorf("%w: admin session required", services.ErrForbidden))
			return
		}
		c.Next()
	}
}

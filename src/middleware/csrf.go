package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// CSRFConfig configures the double-submit check
type CSRFConfig struct {
	Manager  *services.CSRFManager
	Sessions *services.SessionManager
	// TrustedOrigins, when non-empty, restricts the Origin of state-changing requests
	TrustedOrigins []string
	Sink           services.SecurityEventSink
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// submittedCSRFToken reads the header, falling back to the field of a
// urlencoded form. Multipart bodies are never parsed here: they can be
// arbitrarily large and must carry the header.
func submittedCSRFToken(c *gin.Context) string {
	if tok := c.GetHeader(models.HeaderCSRFToken); tok != "" {
		return tok
	}
	if c.ContentType() == "application/x-www-form-urlencoded" {
		return c.PostForm(models.FormCSRFToken)
	}
	return ""
}

// CSRFProtect validates state-changing requests that ride on a session cookie.
// Requests without a session cookie pass through to the identity stage.
func CSRFProtect(cfg CSRFConfig) gin.HandlerFunc {
	trusted := make(map[string]bool, len(cfg.TrustedOrigins))
	for _, o := range cfg.TrustedOrigins {
		trusted[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		session, err := c.Cookie(models.CookieSession)
		if err != nil || session == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		deny := func(err error) {
			services.Emit(ctx, cfg.Sink, models.SecurityEvent{
				Kind:     models.EventCSRF,
				Outcome:  models.OutcomeDeny,
				Reason:   services.ReasonCode(err),
				ClientIP: c.ClientIP(),
				Path:     c.Request.URL.Path,
			})
			AbortWithError(c, err)
		}

		if origin := c.GetHeader("Origin"); origin != "" && len(trusted) > 0 && !trusted[origin] {
			deny(fmt.Errorf("%w: untrusted origin %q", services.ErrCSRFTokenInvalid, origin))
			return
		}

		claims, err := cfg.Sessions.Parse(session)
		if err != nil {
			// not a live session: identity resolution rejects it
			c.Next()
			return
		}

		cookie, _ := c.Cookie(models.CookieCSRF)
		if err := cfg.Manager.Validate(cookie, submittedCSRFToken(c), claims.ID); err != nil {
			deny(err)
			return
		}
		c.Next()
	}
}

// SetCSRFCookie issues a token for sessionID and sets the readable cookie
// the client echoes back in X-CSRF-Token
func SetCSRFCookie(c *gin.Context, m *services.CSRFManager, sessionID string, secure bool) (models.CSRFToken, error) {
	tok, err := m.Issue(sessionID)
	if err != nil {
		return models.CSRFToken{}, err
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(models.CookieCSRF, tok.Value, int(m.TTL().Seconds()), "/", "", secure, false)
	return tok, nil
}

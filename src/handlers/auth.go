package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// AuthHandler handles interactive sign-in
type AuthHandler struct {
	accounts      *services.AccountService
	guard         *services.LoginGuard
	sessions      *services.SessionManager
	csrf          *services.CSRFManager
	secureCookies bool
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(
	accounts *services.AccountService,
	guard *services.LoginGuard,
	sessions *services.SessionManager,
	csrf *services.CSRFManager,
	secureCookies bool,
) *AuthHandler {
	return &AuthHandler{
		accounts:      accounts,
		guard:         guard,
		sessions:      sessions,
		csrf:          csrf,
		secureCookies: secureCookies,
	}
}

// LoginRequest accepts JSON or form-encoded credentials
type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required,max=255"`
	Password string `json:"password" form:"password" binding:"required"`
}

// LoginResponse is returned on a successful sign-in
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	CSRFToken string `json:"csrf_token"`
	Username  string `json:"username"`
	IsAdmin   bool   `json:"is_admin"`
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "invalid request body",
			"request_id": middleware.GetRequestID(c),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	identity := services.NormalizeLoginIdentity(req.Username)
	var account *models.Account
	err := h.guard.Guard(ctx, identity, c.ClientIP(), func(ctx context.Context) error {
		var authErr error
		account, authErr = h.accounts.Authenticate(ctx, req.Username, req.Password)
		return authErr
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	token, claims, err := h.sessions.Issue(account)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(
		models.CookieSession,
		token,
		int(h.sessions.TTL().Seconds()),
		"/",
		"",
		h.secureCookies,
		true,
	)

	csrf, err := middleware.SetCSRFCookie(c, h.csrf, claims.ID, h.secureCookies)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	logger := logging.FromContext(ctx, "auth")
	logger.Info().
		Str("username", account.Username).
		Bool("admin", account.IsAdmin).
		Msg("session issued")

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Unix(),
		CSRFToken: csrf.Value,
		Username:  account.Username,
		IsAdmin:   account.IsAdmin,
	})
}

// HandleLogout revokes the current session and clears its cookies
func (h *AuthHandler) HandleLogout(c *gin.Context) {
	if claims := middleware.GetSessionClaims(c); claims != nil {
		h.sessions.Revoke(claims)
		h.csrf.Revoke(claims.ID)
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(models.CookieSession, "", -1, "/", "", h.secureCookies, true)
	c.SetCookie(models.CookieCSRF, "", -1, "/", "", h.secureCookies, false)

	c.JSON(http.StatusOK, gin.H{
		"status": "logged out",
	})
}

// HandleCSRFToken issues a token for the current session
func (h *AuthHandler) HandleCSRFToken(c *gin.Context) {
	claims := middleware.GetSessionClaims(c)
	if claims == nil {
		middleware.AbortWithError(c, services.ErrInvalidSession)
		return
	}

	tok, err := middleware.SetCSRFCookie(c, h.csrf, claims.ID, h.secureCookies)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// HandleSessionStatus returns the identity behind the current session
func (h *AuthHandler) HandleSessionStatus(c *gin.Context) {
	claims := middleware.GetSessionClaims(c)
	if claims == nil {
		middleware.AbortWithError(c, services.ErrInvalidSession)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"account_id":    claims.AccountID,
		"username":      claims.Username,
		"is_admin":      claims.IsAdmin,
		"expires_at":    claims.ExpiresAt.Unix(),
	})
}

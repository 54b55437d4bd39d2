package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
)

// Dependencies carries the services the routes are built from
type Dependencies struct {
	DB             HealthChecker
	Keys           *services.KeyService
	Accounts       *services.AccountService
	Guard          *services.LoginGuard
	Sessions       *services.SessionManager
	CSRF           *services.CSRFManager
	Verifier       *services.Verifier
	Limiter        *services.RateLimiter
	Uploads        *services.UploadValidator
	Events         *services.RecentEventsSink
	Sink           services.SecurityEventSink
	LoginThrottle  *middleware.IPThrottle
	TrustedOrigins []string
	SecureCookies  bool
	SessionQuota   int
	UploadDir      string
	MaxSignedBody  int64
}

// SetupRoutes registers every endpoint. Protected routes run, in order:
// CSRF, identity, signature, rate limit, authorization, handler.
func SetupRoutes(router *gin.Engine, deps *Dependencies) {
	healthHandler := NewHealthHandler(deps.DB)
	authHandler := NewAuthHandler(deps.Accounts, deps.Guard, deps.Sessions, deps.CSRF, deps.SecureCookies)
	adminHandler := NewAdminHandler(deps.Keys, deps.Guard, deps.Events)
	apiHandler := NewAPIHandler(deps.Keys, deps.Uploads, deps.UploadDir)

	auth := middleware.Authenticator{
		Keys:         deps.Keys,
		Sessions:     deps.Sessions,
		SessionQuota: deps.SessionQuota,
	}
	csrf := middleware.CSRFProtect(middleware.CSRFConfig{
		Manager:        deps.CSRF,
		Sessions:       deps.Sessions,
		TrustedOrigins: deps.TrustedOrigins,
		Sink:           deps.Sink,
	})
	rateLimit := middleware.RateLimit(deps.Limiter)

	// Health check endpoints
	router.GET("/health", healthHandler.HandleHealth)
	router.GET("/ready", healthHandler.HandleReady)
	router.GET("/info", healthHandler.HandleInfo)

	// Interactive sessions
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", deps.LoginThrottle.Handler(), rateLimit, authHandler.HandleLogin)
		authGroup.POST("/logout", csrf, middleware.Identify(auth, ""), authHandler.HandleLogout)
		authGroup.GET("/csrf", middleware.Identify(auth, ""), authHandler.HandleCSRFToken)
		authGroup.GET("/session", middleware.Identify(auth, ""), authHandler.HandleSessionStatus)
	}

	// Protected API
	api := router.Group("/api/v1")
	{
		api.GET("/whoami", csrf, middleware.Identify(auth, models.ScopeRead), rateLimit, apiHandler.HandleWhoAmI)
		api.POST("/echo",
			csrf,
			middleware.Identify(auth, models.ScopeWrite),
			middleware.VerifySignature(deps.Verifier, deps.MaxSignedBody),
			rateLimit,
			apiHandler.HandleEcho)
		api.POST("/uploads/:category", csrf, middleware.Identify(auth, models.ScopeWrite), rateLimit, apiHandler.HandleUpload)
		api.GET("/keys/:owner/usage",
			csrf,
			middleware.Identify(auth, models.ScopeRead),
			rateLimit,
			middleware.Authorize(
				services.Any(services.OwnershipCheck{}, services.RequireScopes(models.ScopeAdmin)),
				middleware.OwnerParam("owner"),
				deps.Sink,
			),
			apiHandler.HandleOwnerUsage)
	}

	// Admin endpoints (admin scope via API key or admin session)
	admin := router.Group("/admin")
	admin.Use(csrf, middleware.Identify(auth, models.ScopeAdmin), rateLimit)
	{
		admin.GET("/keys", adminHandler.HandleListKeys)
		admin.POST("/keys", adminHandler.HandleCreateKey)
		admin.GET("/keys/:id", adminHandler.HandleGetKey)
		admin.DELETE("/keys/:id", adminHandler.HandleRevokeKey)
		admin.GET("/keys/:id/usage", adminHandler.HandleKeyUsage)
		admin.GET("/lockouts/:identity", adminHandler.HandleGetLockout)
		admin.DELETE("/lockouts/:identity", middleware.RequireAdminSession(), adminHandler.HandleClearLockout)
		admin.GET("/events", adminHandler.HandleListEvents)
	}
}

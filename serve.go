package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/config"
	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/handlers"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// gateway is the fully wired server
type gateway struct {
	router   *gin.Engine
	cleanup  *services.CleanupService
	throttle *middleware.IPThrottle
}

func runServe(ctx context.Context, cfg *config.Config) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.EncryptionKeyGenerated {
		log.Warn().Msg("ENCRYPTION_KEY not set - generated an ephemeral key, signing secrets will not survive a restart")
	}

	gw, err := buildGateway(ctx, cfg, policy, st)
	if err != nil {
		return err
	}

	// Start background services
	go gw.cleanup.Start(context.Background())

	// Create HTTP server with timeouts (G112: protect from Slowloris attack)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Stop background loops
	gw.cleanup.Stop()
	gw.throttle.Stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server shut down successfully")
	return nil
}

// buildGateway wires services, the middleware chain and routes
func buildGateway(ctx context.Context, cfg *config.Config, policy *config.Policy, st *stores) (*gateway, error) {
	encryptor, err := services.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// Security monitor: log, metrics and the admin ring buffer, with
	// per-IP escalation on top
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recent := services.NewRecentEventsSink(1024)
	sink := services.NewEscalationSink(
		services.MultiSink{services.NewLogSink(), services.NewMetricsSink(reg), recent},
		st.counters,
		cfg.EscalationThreshold,
		cfg.EscalationWindow,
	)

	// Initialize services
	keyService := services.NewKeyService(st.keys, encryptor, sink, services.KeyServiceConfig{
		StoreTimeout: cfg.KeyStoreTimeout,
		CacheTTL:     cfg.KeyCacheTTL,
		CacheSize:    cfg.KeyCacheSize,
		DefaultQuota: cfg.DefaultKeyQuota,
		ScopeQuotas:  policy.ScopeQuotas,
	})
	accountService := services.NewAccountService(st.accounts)
	sessions, err := services.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}
	csrf, err := services.NewCSRFManager(services.CSRFConfig{
		Secret: cfg.CSRFSecret,
		TTL:    cfg.CSRFTTL,
		Rotate: cfg.CSRFRotate,
		Bound:  cfg.CSRFBound,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize csrf: %w", err)
	}
	uploads, err := services.NewUploadValidator(policy, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload policy: %w", err)
	}
	if cfg.UploadDir != "" {
		if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
	}

	verifier := services.NewVerifier(keyService, services.NewNonceCache(), cfg.SignatureSkew, sink)
	limiter := services.NewRateLimiter(st.counters, services.RateLimiterConfig{
		Window:  cfg.RateLimitWindow,
		IPQuota: cfg.DefaultIPQuota,
	}, sink)
	guard := services.NewLoginGuard(services.LoginGuardConfig{
		Threshold:       cfg.LockoutThreshold,
		Window:          cfg.LockoutWindow,
		LockoutDuration: cfg.LockoutDuration,
	}, sink)
	throttle := middleware.NewIPThrottle(cfg.LoginIPPerMinute, 0, sink)

	seedAdmin(ctx, cfg, accountService)

	// Background sweeps of expiring in-process state
	cleanup := services.NewCleanupService(cfg.EnableAutoCleanup, cfg.CleanupInterval)
	cleanup.Register("nonces", verifier.Nonces())
	cleanup.Register("login_guard", guard)
	cleanup.Register("csrf_tokens", csrf)
	cleanup.Register("revoked_sessions", sessions)
	cleanup.Register("login_throttle", throttle)
	if sw, ok := st.counters.(counters.Sweeper); ok {
		cleanup.Register("rate_counters", sw)
	}
	if pruner, ok := st.keys.(repositories.UsagePruner); ok {
		cleanup.PruneUsage(pruner, cfg.UsageRetention)
	}

	// Create Gin router
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	// Add middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders(cfg.SecureCookies))
	router.Use(middleware.NewHTTPMetrics(reg).Handler())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders: []string{
				"Origin", "Content-Type", "Accept", "Authorization",
				models.HeaderAPIKey, models.HeaderSignature, models.HeaderTimestamp,
				models.HeaderCSRFToken, models.HeaderRequestID,
			},
			ExposeHeaders: []string{
				"Content-Length", models.HeaderRequestID, models.HeaderRetryAfter,
				models.HeaderRateLimit, models.HeaderRateRemaining, models.HeaderAPIVersion,
			},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(middleware.APIVersion(cfg.APIProduct))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	// Setup routes
	handlers.SetupRoutes(router, &handlers.Dependencies{
		DB:             st.healthChecker(),
		Keys:           keyService,
		Accounts:       accountService,
		Guard:          guard,
		Sessions:       sessions,
		CSRF:           csrf,
		Verifier:       verifier,
		Limiter:        limiter,
		Uploads:        uploads,
		Events:         recent,
		Sink:           sink,
		LoginThrottle:  throttle,
		TrustedOrigins: cfg.CSRFTrustedOrigins,
		SecureCookies:  cfg.SecureCookies,
		SessionQuota:   cfg.DefaultKeyQuota,
		UploadDir:      cfg.UploadDir,
		MaxSignedBody:  middleware.DefaultMaxSignedBody,
	})

	return &gateway{router: router, cleanup: cleanup, throttle: throttle}, nil
}

// seedAdmin creates the initial admin account on first run
// (if ADMIN_USERNAME and ADMIN_PASSWORD are set)
func seedAdmin(ctx context.Context, cfg *config.Config, accounts *services.AccountService) {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return
	}
	hasAccounts, err := accounts.HasAccounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to check for existing accounts")
		return
	}
	if hasAccounts {
		return
	}
	if _, err := accounts.CreateAccount(ctx, cfg.AdminUsername, cfg.AdminPassword, true); err != nil {
		log.Error().Err(err).Msg("failed to create initial admin account")
		return
	}
	log.Info().Str("username", cfg.AdminUsername).Msg("initial admin account created")
}

package config

import (
	cryptoRand "crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           int
	DatabaseURL    string // empty = in-memory stores
	RedisURL       string // empty = in-process rate counters
	AllowedOrigins []string
	TrustedProxies []string // empty = use the socket address as client IP
	LogLevel       string
	LogFormat      string
	PolicyFile     string
	APIProduct     string
	UploadDir      string

	// Sessions
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookies bool

	// Encryption at rest for API key signing secrets
	EncryptionKey          string // 64 hex chars = 32 bytes AES-256 key
	EncryptionKeyGenerated bool

	// API keys
	KeyStoreTimeout time.Duration
	KeyCacheTTL     time.Duration
	KeyCacheSize    int

	// Request signing
	SignatureSkew time.Duration

	// Rate limiting
	RateLimitWindow time.Duration
	DefaultKeyQuota int
	DefaultIPQuota  int

	// Login throttling
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
	LoginIPPerMinute int

	// CSRF
	CSRFSecret         string
	CSRFTTL            time.Duration
	CSRFRotate         bool
	CSRFBound          bool
	CSRFTrustedOrigins []string

	// Security monitor
	EscalationThreshold int
	EscalationWindow    time.Duration

	// Background cleanup
	EnableAutoCleanup bool
	CleanupInterval   time.Duration
	UsageRetention    time.Duration

	// Account auto-seed (first run only)
	AdminUsername string
	AdminPassword string
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		PolicyFile:     getEnv("POLICY_FILE", ""),
		APIProduct:     getEnv("API_PRODUCT", "villen"),
		UploadDir:      getEnv("UPLOAD_DIR", ""),

		SessionSecret: getEnv("JWT_SECRET", ""),
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		SecureCookies: getEnvBool("SECURE_COOKIES", true),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		KeyStoreTimeout: getEnvDuration("KEYSTORE_TIMEOUT", 2*time.Second),
		KeyCacheTTL:     getEnvDuration("KEY_CACHE_TTL", 30*time.Second),
		KeyCacheSize:    getEnvInt("KEY_CACHE_SIZE", 10000),

		SignatureSkew: getEnvDuration("SIGNATURE_SKEW", 300*time.Second),

		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		DefaultKeyQuota: getEnvInt("RATE_LIMIT_KEY_QUOTA", 100),
		DefaultIPQuota:  getEnvInt("RATE_LIMIT_IP_QUOTA", 300),

		LockoutThreshold: getEnvInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
		LockoutDuration:  getEnvDuration("LOCKOUT_DURATION", 30*time.Minute),
		LoginIPPerMinute: getEnvInt("LOGIN_IP_PER_MINUTE", 10),

		CSRFSecret:         getEnv("CSRF_SECRET", ""),
		CSRFTTL:            getEnvDuration("CSRF_TTL", 2*time.Hour),
		CSRFRotate:         getEnvBool("CSRF_ROTATE", false),
		CSRFBound:          getEnvBool("CSRF_BOUND", true),
		CSRFTrustedOrigins: getEnvList("CSRF_TRUSTED_ORIGINS", nil),

		EscalationThreshold: getEnvInt("ESCALATION_THRESHOLD", 10),
		EscalationWindow:    getEnvDuration("ESCALATION_WINDOW", time.Hour),

		EnableAutoCleanup: getEnvBool("ENABLE_AUTO_CLEANUP", true),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", time.Minute),
		UsageRetention:    time.Duration(getEnvInt("USAGE_RETENTION_DAYS", 90)) * 24 * time.Hour,

		AdminUsername: getEnv("ADMIN_USERNAME", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}

	// Generate secrets if not provided
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = generateRandomSecret(32)
	}
	if cfg.CSRFSecret == "" {
		cfg.CSRFSecret = generateRandomSecret(32)
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = generateHexKey(32)
		cfg.EncryptionKeyGenerated = true
	}

	return cfg
}

// Validate rejects combinations that would lose data across restarts
func (c *Config) Validate() error {
	if c.DatabaseURL != "" && c.EncryptionKeyGenerated {
		return errors.New("ENCRYPTION_KEY must be set when DATABASE_URL is used")
	}
	if len(c.SessionSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters long")
	}
	if c.LockoutThreshold < 1 {
		return errors.New("LOCKOUT_THRESHOLD must be positive")
	}
	if c.SignatureSkew <= 0 || c.RateLimitWindow <= 0 || c.CSRFTTL <= 0 {
		return errors.New("SIGNATURE_SKEW, RATE_LIMIT_WINDOW and CSRF_TTL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "15m") or plain seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// generateRandomSecret generates a cryptographically secure random secret for HMAC signing
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	if _, err := cryptoRand.Read(result); err != nil {
		panic("failed to generate random secret: " + err.Error())
	}
	for i := range result {
		result[i] = charset[result[i]%byte(len(charset))]
	}
	return string(result)
}

func generateHexKey(n int) string {
	b := make([]byte, n)
	if _, err := cryptoRand.Read(b); err != nil {
		panic("failed to generate encryption key: " + err.Error())
	}
	return hex.EncodeToString(b)
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories/memory"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/stretchr/testify/require"
)

const (
	testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testSessionSecret = "session-secret-for-middleware-tests-0123"
	testCSRFSecret    = "csrf-secret-for-middleware-tests"
)

// gateway bundles real services over in-memory stores
type gateway struct {
	keys     *services.KeyService
	sessions *services.SessionManager
	csrf     *services.CSRFManager
	verifier *services.Verifier
	limiter  *services.RateLimiter
	sink     *services.RecentEventsSink
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enc, err := services.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)
	sink := services.NewRecentEventsSink(256)
	keys := services.NewKeyService(memory.NewKeyStore(), enc, sink, services.KeyServiceConfig{CacheTTL: time.Minute})
	sessions, err := services.NewSessionManager(testSessionSecret, time.Hour)
	require.NoError(t, err)
	csrf, err := services.NewCSRFManager(services.CSRFConfig{Secret: testCSRFSecret, Bound: true})
	require.NoError(t, err)

	return &gateway{
		keys:     keys,
		sessions: sessions,
		csrf:     csrf,
		verifier: services.NewVerifier(keys, nil, 0, sink),
		limiter:  services.NewRateLimiter(counters.NewMemoryStore(), services.RateLimiterConfig{Window: time.Minute}, sink),
		sink:     sink,
	}
}

func (g *gateway) auth() Authenticator {
	return Authenticator{Keys: g.keys, Sessions: g.sessions, SessionQuota: 100}
}

// createKey mints a key and returns the plaintext and parsed form
func (g *gateway) createKey(t *testing.T, owner string, scopes ...models.Scope) (string, services.PresentedKey) {
	t.Helper()
	_, plaintext, err := g.keys.CreateKey(context.Background(), services.NewKeyRequest{Owner: owner, Scopes: scopes})
	require.NoError(t, err)
	pk, err := services.ParsePresentedKey(plaintext)
	require.NoError(t, err)
	return plaintext, pk
}

// login issues a session token and its CSRF token
func (g *gateway) login(t *testing.T, username string, admin bool) (string, *services.SessionClaims, models.CSRFToken) {
	t.Helper()
	token, claims, err := g.sessions.Issue(&models.Account{ID: uuid.New(), Username: username, IsAdmin: admin})
	require.NoError(t, err)
	csrf, err := g.csrf.Issue(claims.ID)
	require.NoError(t, err)
	return token, claims, csrf
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentify_APIKey(t *testing.T) {
	g := newGateway(t)
	reader, _ := g.createKey(t, "alice", models.ScopeRead)

	router := gin.New()
	router.GET("/whoami", Identify(g.auth(), models.ScopeRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, GetIdentity(c))
	})
	router.POST("/echo", Identify(g.auth(), models.ScopeWrite), okHandler)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		status int
	}{
		{"valid key", http.MethodGet, "/whoami", reader, http.StatusOK},
		{"missing scope", http.MethodPost, "/echo", reader, http.StatusForbidden},
		{"garbage key", http.MethodGet, "/whoami", "gk_nope", http.StatusUnauthorized},
		{"no credentials", http.MethodGet, "/whoami", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(models.HeaderAPIKey, tt.key)
			}
			w := serve(router, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"subject":"alice"`)
			} else {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestIdentify_RevokedKeyMessageIsGeneric(t *testing.T) {
	g := newGateway(t)
	plaintext, pk := g.createKey(t, "bob", models.ScopeRead)
	require.NoError(t, g.keys.RevokeKey(context.Background(), pk.ID))

	router := gin.New()
	router.GET("/whoami", Identify(g.auth(), models.ScopeRead), okHandler)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(models.HeaderAPIKey, plaintext)
	w := serve(router, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication failed")
	assert.NotContains(t, w.Body.String(), "revoked")

	events := g.sink.Find(models.EventAPIKeyAuth)
	require.NotEmpty(t, events)
	assert.Equal(t, "revoked_key", events[0].Reason)
}

func TestIdentify_Session(t *testing.T) {
	g := newGateway(t)
	userToken, _, _ := g.login(t, "carol", false)
	adminToken, _, _ := g.login(t, "root", true)

	router := gin.New()
	router.GET("/me", Identify(g.auth(), ""), func(c *gin.Context) {
		id := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"subject": id.Subject, "method": id.Method})
	})
	router.GET("/admin", Identify(g.auth(), models.ScopeAdmin), RequireAdminSession(), okHandler)

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.AddCookie(&http.Cookie{Name: models.CookieSession, Value: userToken})
		w := serve(router, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"method":"session"`)
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+userToken)
		assert.Equal(t, http.StatusOK, serve(router, req).Code)
	})

	t.Run("tampered token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+userToken+"x")
		assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)
	})

	t.Run("non-admin on admin route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.AddCookie(&http.Cookie{Name: models.CookieSession, Value: userToken})
		assert.Equal(t, http.StatusForbidden, serve(router, req).Code)
	})

	t.Run("admin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.AddCookie(&http.Cookie{Name: models.CookieSession, Value: adminToken})
		assert.Equal(t, http.StatusOK, serve(router, req).Code)
	})
}

func TestIdentify_RecordsFinalOutcome(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	key, plaintext, err := g.keys.CreateKey(ctx, services.NewKeyRequest{
		Owner:     "alice",
		Scopes:    []models.Scope{models.ScopeRead},
		RateLimit: 1,
	})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/whoami", Identify(g.auth(), models.ScopeRead), RateLimit(g.limiter), okHandler)

	for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(models.HeaderAPIKey, plaintext)
		require.Equal(t, want, serve(router, req).Code)
	}

	usage, err := g.keys.ListUsage(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	outcomes := []string{usage[0].Outcome, usage[1].Outcome}
	assert.ElementsMatch(t, []string{"allow", "rate_limit_exceeded"}, outcomes)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_KeyQuota(t *testing.T) {
	g := newGateway(t)
	key, _ := g.createKey(t, "alice", models.ScopeRead)

	router := gin.New()
	router.GET("/whoami", Identify(g.auth(), models.ScopeRead), RateLimit(g.limiter), okHandler)

	for i := 1; i <= 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(models.HeaderAPIKey, key)
		w := serve(router, req)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "100", w.Header().Get(models.HeaderRateLimit))
		assert.Equal(t, strconv.Itoa(100-i), w.Header().Get(models.HeaderRateRemaining))
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(models.HeaderAPIKey, key)
	w := serve(router, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	retry, err := strconv.Atoi(w.Header().Get(models.HeaderRetryAfter))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
}

func TestRateLimit_IPQuotaForAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := services.NewRateLimiter(counters.NewMemoryStore(), services.RateLimiterConfig{Window: time.Minute, IPQuota: 2}, nil)

	router := gin.New()
	router.GET("/health", RateLimit(rl), okHandler)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(router, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestIPThrottle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := services.NewRecentEventsSink(8)
	throttle := NewIPThrottle(3, 1, sink)
	defer throttle.Stop()

	router := gin.New()
	router.POST("/auth/login", throttle.Handler(), okHandler)

	login := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = ip + ":1234"
		return serve(router, req)
	}

	assert.Equal(t, http.StatusOK, login("10.0.0.1").Code)
	w := login("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(models.HeaderRetryAfter))
	assert.Equal(t, http.StatusOK, login("10.0.0.2").Code)

	assert.Len(t, sink.Find(models.EventRateLimit), 1)
	assert.Equal(t, 2, throttle.Sweep(time.Now().Add(time.Hour)))
}

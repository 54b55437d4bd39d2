package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/config"
	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/middleware"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories/memory"
	"github.com/khabaroff/gatekeeper/src/services"
)

// Test helpers for handler tests

// createTestContext creates a test Gin context with recorder
func createTestContext() (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return w, c
}

// assertStatusCode checks if response status code matches expected
func assertStatusCode(t *testing.T, w *httptest.ResponseRecorder, expectedCode int) {
	t.Helper()
	if w.Code != expectedCode {
		t.Errorf("expected status %d, got %d: %s", expectedCode, w.Code, w.Body.String())
	}
}

// assertJSONError checks if response contains expected error message
func assertJSONError(t *testing.T, w *httptest.ResponseRecorder, expectedError string) {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["error"] != expectedError {
		t.Errorf("expected error '%s', got '%v'", expectedError, response["error"])
	}
}

// testServer is the full route table over in-memory stores
type testServer struct {
	router *gin.Engine
	deps   *Dependencies
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enc, err := services.NewEncryptor("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	sessions, err := services.NewSessionManager("handler-test-session-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("failed to create session manager: %v", err)
	}
	csrf, err := services.NewCSRFManager(services.CSRFConfig{Secret: "handler-test-csrf-secret", Bound: true})
	if err != nil {
		t.Fatalf("failed to create csrf manager: %v", err)
	}

	events := services.NewRecentEventsSink(512)
	keys := services.NewKeyService(memory.NewKeyStore(), enc, events, services.KeyServiceConfig{CacheTTL: time.Minute})
	uploads, err := services.NewUploadValidator(config.DefaultPolicy(), events)
	if err != nil {
		t.Fatalf("failed to create upload validator: %v", err)
	}
	throttle := middleware.NewIPThrottle(600, 100, events)
	t.Cleanup(throttle.Stop)

	deps := &Dependencies{
		Keys:          keys,
		Accounts:      services.NewAccountService(memory.NewAccountRepository()),
		Guard:         services.NewLoginGuard(services.DefaultLoginGuardConfig(), events),
		Sessions:      sessions,
		CSRF:          csrf,
		Verifier:      services.NewVerifier(keys, nil, 0, events),
		Limiter:       services.NewRateLimiter(counters.NewMemoryStore(), services.RateLimiterConfig{Window: time.Minute}, events),
		Uploads:       uploads,
		Events:        events,
		Sink:          events,
		LoginThrottle: throttle,
		SessionQuota:  100,
		UploadDir:     t.TempDir(),
	}

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	SetupRoutes(router, deps)
	return &testServer{router: router, deps: deps}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// createKey mints a key directly through the service
func (s *testServer) createKey(t *testing.T, owner string, scopes ...models.Scope) (*models.APIKey, string) {
	t.Helper()
	key, plaintext, err := s.deps.Keys.CreateKey(context.Background(), services.NewKeyRequest{Owner: owner, Scopes: scopes})
	if err != nil {
		t.Fatalf("failed to create key: %v", err)
	}
	return key, plaintext
}

func (s *testServer) createAccount(t *testing.T, username, password string, admin bool) {
	t.Helper()
	if _, err := s.deps.Accounts.CreateAccount(context.Background(), username, password, admin); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
}

// browser holds the cookies a logged-in client sends back
type browser struct {
	session string
	csrf    string
}

func (b browser) apply(req *http.Request) {
	req.AddCookie(&http.Cookie{Name: models.CookieSession, Value: b.session})
	req.AddCookie(&http.Cookie{Name: models.CookieCSRF, Value: b.csrf})
	req.Header.Set(models.HeaderCSRFToken, b.csrf)
}

func (s *testServer) loginRequest(username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

// login signs in and returns the cookies set by the server
func (s *testServer) login(t *testing.T, username, password string) browser {
	t.Helper()
	w := s.loginRequest(username, password)
	if w.Code != http.StatusOK {
		t.Fatalf("login failed with %d: %s", w.Code, w.Body.String())
	}
	var b browser
	for _, c := range w.Result().Cookies() {
		switch c.Name {
		case models.CookieSession:
			b.session = c.Value
		case models.CookieCSRF:
			b.csrf = c.Value
		}
	}
	if b.session == "" || b.csrf == "" {
		t.Fatal("login did not set session and csrf cookies")
	}
	return b
}

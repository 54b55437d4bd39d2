package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegPayload = append([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0}, 128)...)

func uploadRequest(t *testing.T, category, filename, contentType string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/"+category, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAPI_WhoAmI(t *testing.T) {
	s := newTestServer(t)
	key, plaintext := s.createKey(t, "alice", models.ScopeRead)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set(models.HeaderAPIKey, plaintext)
	req.Header.Set("Accept", "application/vnd.villen.v1+json")
	w := s.do(req)
	assertStatusCode(t, w, http.StatusOK)

	var resp struct {
		Identity models.Identity `json:"identity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Identity.Subject)
	assert.Equal(t, key.ID, resp.Identity.KeyID)
	assert.Equal(t, models.AuthMethodAPIKey, resp.Identity.Method)
	assert.Equal(t, "99", w.Header().Get(models.HeaderRateRemaining))
}

func TestAPI_WriteScopeRequired(t *testing.T) {
	s := newTestServer(t)
	_, readOnly := s.createKey(t, "alice", models.ScopeRead)

	req := uploadRequest(t, "image", "a.jpg", "image/jpeg", jpegPayload)
	req.Header.Set(models.HeaderAPIKey, readOnly)
	assertStatusCode(t, s.do(req), http.StatusForbidden)
}

func TestAPI_SignedEcho(t *testing.T) {
	s := newTestServer(t)
	_, plaintext := s.createKey(t, "alice", models.ScopeWrite)
	pk, err := services.ParsePresentedKey(plaintext)
	require.NoError(t, err)

	body := `{"transfer":42}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo?x=1", strings.NewReader(body))
	req.Header.Set(models.HeaderAPIKey, plaintext)
	require.NoError(t, services.SignRequest(req, []byte(body), pk.ID, []byte(pk.Secret), time.Now()))

	w := s.do(req)
	assertStatusCode(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), `"bytes":15`)

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/echo?x=1", strings.NewReader(body))
	replay.Header = req.Header.Clone()
	w = s.do(replay)
	assertStatusCode(t, w, http.StatusUnauthorized)
	assertJSONError(t, w, "authentication failed")
}

func TestAPI_Upload(t *testing.T) {
	s := newTestServer(t)
	_, plaintext := s.createKey(t, "alice", models.ScopeWrite)

	t.Run("accepted and stored", func(t *testing.T) {
		req := uploadRequest(t, "image", "../../etc/holiday.JPG", "image/jpeg", jpegPayload)
		req.Header.Set(models.HeaderAPIKey, plaintext)
		w := s.do(req)
		assertStatusCode(t, w, http.StatusCreated)

		var accepted models.AcceptedUpload
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
		assert.Equal(t, "jpeg", accepted.Format)
		assert.True(t, strings.HasSuffix(accepted.StorageName, ".jpg"))
		assert.NotContains(t, accepted.StorageName, "holiday")

		stored, err := os.ReadFile(filepath.Join(s.deps.UploadDir, accepted.StorageName))
		require.NoError(t, err)
		assert.Equal(t, jpegPayload, stored)
	})

	tests := []struct {
		name        string
		category    string
		filename    string
		contentType string
		payload     []byte
		status      int
	}{
		{"script disguised as jpeg", "image", "shell.jpg", "image/jpeg", []byte("<?php system($_GET['c']); ?>"), http.StatusBadRequest},
		{"double extension", "image", "photo.php.jpg", "image/jpeg", jpegPayload, http.StatusBadRequest},
		{"wrong declared type", "image", "photo.jpg", "text/html", jpegPayload, http.StatusBadRequest},
		{"unknown category", "archive", "photo.jpg", "image/jpeg", jpegPayload, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, tt.category, tt.filename, tt.contentType, tt.payload)
			req.Header.Set(models.HeaderAPIKey, plaintext)
			w := s.do(req)
			assertStatusCode(t, w, tt.status)
			assertJSONError(t, w, "unsupported file")
		})
	}

	t.Run("missing file field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/image", strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set(models.HeaderAPIKey, plaintext)
		w := s.do(req)
		assertStatusCode(t, w, http.StatusBadRequest)
		assertJSONError(t, w, "missing file")
	})
}

func TestAPI_OwnerUsage(t *testing.T) {
	s := newTestServer(t)
	_, alice := s.createKey(t, "alice", models.ScopeRead)
	_, ops := s.createKey(t, "ops", models.ScopeRead, models.ScopeAdmin)

	tests := []struct {
		name   string
		key    string
		owner  string
		status int
	}{
		{"own usage", alice, "alice", http.StatusOK},
		{"someone else's usage", alice, "bob", http.StatusForbidden},
		{"admin reads any owner", ops, "alice", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/"+tt.owner+"/usage", nil)
			req.Header.Set(models.HeaderAPIKey, tt.key)
			assertStatusCode(t, s.do(req), tt.status)
		})
	}
}

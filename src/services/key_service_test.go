package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/khabaroff/gatekeeper/src/repositories/memory"
	"github.com/khabaroff/gatekeeper/src/repositories/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyService(t *testing.T, store repositories.KeyStore, cfg KeyServiceConfig) (*KeyService, *RecentEventsSink) {
	t.Helper()
	enc, err := NewEncryptor(validHexKey())
	require.NoError(t, err)
	sink := NewRecentEventsSink(64)
	return NewKeyService(store, enc, sink, cfg), sink
}

var testMeta = RequestMeta{Endpoint: "/api/v1/whoami", Method: "GET", ClientIP: "203.0.113.7", UserAgent: "test"}

func TestKeyService_CreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyStore()
	ks, sink := newTestKeyService(t, store, KeyServiceConfig{CacheTTL: time.Minute})

	key, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{
		Owner:  "alice",
		Name:   "ci",
		Scopes: []models.Scope{models.ScopeRead, models.ScopeRead, models.ScopeWrite},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, models.KeyPrefix))
	assert.Equal(t, []models.Scope{models.ScopeRead, models.ScopeWrite}, key.Scopes)
	assert.NotContains(t, string(key.SecretHash), plaintext)

	t.Run("valid key with granted scope", func(t *testing.T) {
		id, err := ks.Authenticate(ctx, plaintext, models.ScopeRead, testMeta)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Subject)
		assert.Equal(t, key.ID, id.KeyID)
		assert.Equal(t, models.AuthMethodAPIKey, id.Method)
		assert.Equal(t, 100, id.Quota)
	})

	t.Run("valid key missing scope", func(t *testing.T) {
		_, err := ks.Authenticate(ctx, plaintext, models.ScopeAdmin, testMeta)
		assert.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("wrong secret", func(t *testing.T) {
		pk, err := ParsePresentedKey(plaintext)
		require.NoError(t, err)
		forged := PresentedKey{ID: pk.ID, Secret: "AAAA" + pk.Secret[4:]}
		_, err = ks.Authenticate(ctx, forged.String(), "", testMeta)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ks.Authenticate(ctx, models.KeyPrefix+strings.Repeat("0", 32)+".c2VjcmV0", "", testMeta)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := ks.Authenticate(ctx, "not-a-key", "", testMeta)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	denials := 0
	for _, e := range sink.Find(models.EventAPIKeyAuth) {
		if e.Outcome == models.OutcomeDeny {
			denials++
			assert.NotEmpty(t, e.Reason)
		}
	}
	assert.Equal(t, 4, denials)

	usage, err := ks.ListUsage(ctx, key.ID, 10)
	require.NoError(t, err)
	// insufficient scope, wrong secret; the success is recorded by RecordOutcome
	assert.Len(t, usage, 2)
}

func TestKeyService_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyStore()
	ks, _ := newTestKeyService(t, store, KeyServiceConfig{})

	key, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "alice", Scopes: []models.Scope{models.ScopeWrite}})
	require.NoError(t, err)

	_, err = ks.Authenticate(ctx, plaintext, models.ScopeWrite, testMeta)
	require.NoError(t, err)
	usage, err := ks.ListUsage(ctx, key.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, usage)

	ks.RecordOutcome(ctx, key.ID, &RetryError{Err: ErrRateLimitExceeded, RetryAfter: time.Second}, testMeta)
	stored, err := store.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastUsedAt)

	ks.RecordOutcome(ctx, key.ID, nil, testMeta)
	stored, err = store.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)

	usage, err = ks.ListUsage(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	outcomes := []string{usage[0].Outcome, usage[1].Outcome}
	assert.ElementsMatch(t, []string{"rate_limit_exceeded", "allow"}, outcomes)
}

func TestKeyService_RevocationBeatsCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyStore()
	ks, _ := newTestKeyService(t, store, KeyServiceConfig{CacheTTL: time.Hour})

	key, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "bob", Scopes: []models.Scope{models.ScopeRead}})
	require.NoError(t, err)

	_, err = ks.Authenticate(ctx, plaintext, models.ScopeRead, testMeta)
	require.NoError(t, err)

	require.NoError(t, ks.RevokeKey(ctx, key.ID))

	_, err = ks.Authenticate(ctx, plaintext, models.ScopeRead, testMeta)
	assert.ErrorIs(t, err, ErrRevokedKey)

	assert.ErrorIs(t, ks.RevokeKey(ctx, "ffffffffffffffffffffffffffffffff"), ErrKeyNotFound)
}

func TestKeyService_RevocationFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	store := memory.NewKeyStore()
	serving, _ := newTestKeyService(t, store, KeyServiceConfig{CacheTTL: 30 * time.Second})
	admin, _ := newTestKeyService(t, store, KeyServiceConfig{CacheTTL: 30 * time.Second})

	key, plaintext, err := admin.CreateKey(ctx, NewKeyRequest{Owner: "bob", Scopes: []models.Scope{models.ScopeRead}})
	require.NoError(t, err)

	_, err = serving.Authenticate(ctx, plaintext, models.ScopeRead, testMeta)
	require.NoError(t, err)

	require.NoError(t, admin.RevokeKey(ctx, key.ID))

	_, err = serving.Authenticate(ctx, plaintext, models.ScopeRead, testMeta)
	assert.ErrorIs(t, err, ErrRevokedKey)

	_, err = serving.SigningSecret(ctx, key.ID)
	require.NoError(t, err)
	got, err := serving.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked())
}

func TestKeyService_CachedLookupFailsClosed(t *testing.T) {
	ctx := context.Background()
	backing := memory.NewKeyStore()
	store := mock.NewKeyStore()
	store.GetKeyFunc = backing.GetKey
	store.CreateKeyFunc = backing.CreateKey
	ks, _ := newTestKeyService(t, store, KeyServiceConfig{CacheTTL: time.Minute})

	_, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "frank", Scopes: []models.Scope{models.ScopeRead}})
	require.NoError(t, err)

	_, err = ks.Authenticate(ctx, plaintext, "", testMeta)
	require.NoError(t, err)
	assert.Equal(t, 1, store.CallCount("GetKey"))

	store.RevokedAtFunc = func(ctx context.Context, keyID string) (*time.Time, error) {
		return nil, errors.New("connection reset")
	}
	_, err = ks.Authenticate(ctx, plaintext, "", testMeta)
	assert.ErrorIs(t, err, ErrUpstreamStoreUnavailable)
	assert.Equal(t, 1, store.CallCount("GetKey"))
}

func TestKeyService_ExpiredKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ks, _ := newTestKeyService(t, memory.NewKeyStore(), KeyServiceConfig{})
	ks.now = clock.Now

	_, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "carol", Scopes: []models.Scope{models.ScopeRead}, TTL: time.Hour})
	require.NoError(t, err)

	_, err = ks.Authenticate(ctx, plaintext, "", testMeta)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = ks.Authenticate(ctx, plaintext, "", testMeta)
	assert.ErrorIs(t, err, ErrExpiredKey)
}

func TestKeyService_FailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("store error", func(t *testing.T) {
		store := mock.NewKeyStore()
		store.GetKeyFunc = func(ctx context.Context, keyID string) (*models.APIKey, error) {
			return nil, errors.New("connection refused")
		}
		ks, sink := newTestKeyService(t, store, KeyServiceConfig{})

		_, err := ks.Authenticate(ctx, models.KeyPrefix+strings.Repeat("a", 32)+".c2VjcmV0", "", testMeta)
		assert.ErrorIs(t, err, ErrUpstreamStoreUnavailable)

		events := sink.Find(models.EventAPIKeyAuth)
		require.Len(t, events, 1)
		assert.Equal(t, "upstream_store_unavailable", events[0].Reason)
	})

	t.Run("store timeout", func(t *testing.T) {
		store := mock.NewKeyStore()
		store.GetKeyFunc = func(ctx context.Context, keyID string) (*models.APIKey, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		ks, _ := newTestKeyService(t, store, KeyServiceConfig{StoreTimeout: 20 * time.Millisecond})

		start := time.Now()
		_, err := ks.Authenticate(ctx, models.KeyPrefix+strings.Repeat("b", 32)+".c2VjcmV0", "", testMeta)
		assert.ErrorIs(t, err, ErrUpstreamStoreUnavailable)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestKeyService_UsageFailureDoesNotDeny(t *testing.T) {
	ctx := context.Background()
	backing := memory.NewKeyStore()
	store := mock.NewKeyStore()
	store.GetKeyFunc = backing.GetKey
	store.CreateKeyFunc = backing.CreateKey
	store.AppendUsageFunc = func(ctx context.Context, rec *models.UsageRecord) error {
		return errors.New("disk full")
	}
	ks, _ := newTestKeyService(t, store, KeyServiceConfig{})

	key, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "dave", Scopes: []models.Scope{models.ScopeWrite}})
	require.NoError(t, err)

	_, err = ks.Authenticate(ctx, plaintext, models.ScopeWrite, testMeta)
	require.NoError(t, err)
	ks.RecordOutcome(ctx, key.ID, nil, testMeta)
	assert.Equal(t, 1, store.CallCount("AppendUsage"))
}

func TestKeyService_QuotaFor(t *testing.T) {
	ks, _ := newTestKeyService(t, memory.NewKeyStore(), KeyServiceConfig{
		DefaultQuota: 50,
		ScopeQuotas:  map[models.Scope]int{models.ScopeRead: 1000, models.ScopeWrite: 100},
	})

	tests := []struct {
		name string
		key  models.APIKey
		want int
	}{
		{"explicit", models.APIKey{RateLimit: 7, Scopes: []models.Scope{models.ScopeRead}}, 7},
		{"most generous scope", models.APIKey{Scopes: []models.Scope{models.ScopeWrite, models.ScopeRead}}, 1000},
		{"write only", models.APIKey{Scopes: []models.Scope{models.ScopeWrite}}, 100},
		{"default", models.APIKey{Scopes: []models.Scope{models.ScopeAdmin}}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ks.quotaFor(&tt.key))
		})
	}
}

func TestKeyService_CreateKeyValidation(t *testing.T) {
	ks, _ := newTestKeyService(t, memory.NewKeyStore(), KeyServiceConfig{})
	ctx := context.Background()

	_, _, err := ks.CreateKey(ctx, NewKeyRequest{Scopes: []models.Scope{models.ScopeRead}})
	assert.Error(t, err)
	_, _, err = ks.CreateKey(ctx, NewKeyRequest{Owner: "x"})
	assert.Error(t, err)
	_, _, err = ks.CreateKey(ctx, NewKeyRequest{Owner: "x", Scopes: []models.Scope{"root"}})
	assert.Error(t, err)
}

func TestKeyService_SigningSecret(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestKeyService(t, memory.NewKeyStore(), KeyServiceConfig{})

	key, plaintext, err := ks.CreateKey(ctx, NewKeyRequest{Owner: "erin", Scopes: []models.Scope{models.ScopeWrite}})
	require.NoError(t, err)
	pk, err := ParsePresentedKey(plaintext)
	require.NoError(t, err)

	secret, err := ks.SigningSecret(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, pk.Secret, string(secret))

	_, err = ks.SigningSecret(ctx, strings.Repeat("c", 32))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

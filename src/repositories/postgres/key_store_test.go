package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/khabaroff/gatekeeper/src/database"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newKey(id, owner string, createdAt time.Time, scopes ...models.Scope) *models.APIKey {
	return &models.APIKey{
		ID:            id,
		Owner:         owner,
		Name:          "key " + id,
		SecretSalt:    []byte("salt-" + id),
		SecretHash:    []byte("hash-" + id),
		SigningSecret: []byte("sealed-" + id),
		Scopes:        scopes,
		RateLimit:     42,
		CreatedAt:     createdAt,
	}
}

func TestKeyStore_CreateAndGet(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		store := NewKeyStore(tdb.Pool)

		expires := baseTime.Add(24 * time.Hour)
		key := newKey("k1", "alice", baseTime, models.ScopeRead, models.ScopeWrite)
		key.ExpiresAt = &expires
		require.NoError(t, store.CreateKey(ctx, key))

		got, err := store.GetKey(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, "key k1", got.Name)
		assert.Equal(t, []models.Scope{models.ScopeRead, models.ScopeWrite}, got.Scopes)
		assert.Equal(t, []byte("salt-k1"), got.SecretSalt)
		assert.Equal(t, []byte("hash-k1"), got.SecretHash)
		assert.Equal(t, []byte("sealed-k1"), got.SigningSecret)
		assert.Equal(t, 42, got.RateLimit)
		assert.WithinDuration(t, baseTime, got.CreatedAt, time.Microsecond)
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, expires, *got.ExpiresAt, time.Microsecond)
		assert.Nil(t, got.RevokedAt)
		assert.Nil(t, got.LastUsedAt)

		_, err = store.GetKey(ctx, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)

		// duplicate ids are rejected by the primary key
		assert.Error(t, store.CreateKey(ctx, key))
	})
}

func TestKeyStore_RevokeKeepsFirstTimestamp(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		store := NewKeyStore(tdb.Pool)
		require.NoError(t, store.CreateKey(ctx, newKey("k1", "alice", baseTime, models.ScopeRead)))

		revokedAt, err := store.RevokedAt(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, revokedAt)

		first := baseTime.Add(time.Hour)
		require.NoError(t, store.RevokeKey(ctx, "k1", first))
		require.NoError(t, store.RevokeKey(ctx, "k1", first.Add(time.Hour)))

		revokedAt, err = store.RevokedAt(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, revokedAt)
		assert.WithinDuration(t, first, *revokedAt, time.Microsecond)

		got, err := store.GetKey(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, got.IsRevoked())

		assert.ErrorIs(t, store.RevokeKey(ctx, "missing", first), repositories.ErrNotFound)
		_, err = store.RevokedAt(ctx, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestKeyStore_ListKeysByOwner(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		store := NewKeyStore(tdb.Pool)
		require.NoError(t, store.CreateKey(ctx, newKey("a1", "alice", baseTime, models.ScopeRead)))
		require.NoError(t, store.CreateKey(ctx, newKey("a2", "alice", baseTime.Add(time.Minute), models.ScopeWrite)))
		require.NoError(t, store.CreateKey(ctx, newKey("b1", "bob", baseTime.Add(2*time.Minute), models.ScopeAdmin)))

		tests := []struct {
			name  string
			owner string
			want  []string
		}{
			{"one owner, newest first", "alice", []string{"a2", "a1"}},
			{"other owner", "bob", []string{"b1"}},
			{"every owner", "", []string{"b1", "a2", "a1"}},
			{"unknown owner", "carol", nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				keys, err := store.ListKeys(ctx, tt.owner)
				require.NoError(t, err)
				var ids []string
				for _, k := range keys {
					ids = append(ids, k.ID)
				}
				assert.Equal(t, tt.want, ids)
			})
		}
	})
}

func TestKeyStore_TouchLastUsed(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		store := NewKeyStore(tdb.Pool)
		require.NoError(t, store.CreateKey(ctx, newKey("k1", "alice", baseTime, models.ScopeRead)))

		used := baseTime.Add(5 * time.Minute)
		require.NoError(t, store.TouchLastUsed(ctx, "k1", used))

		got, err := store.GetKey(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
		assert.WithinDuration(t, used, *got.LastUsedAt, time.Microsecond)
	})
}

func TestKeyStore_UsageAndPrune(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		store := NewKeyStore(tdb.Pool)
		require.NoError(t, store.CreateKey(ctx, newKey("k1", "alice", baseTime, models.ScopeRead)))

		for i, outcome := range []string{"allow", "rate_limit_exceeded", "allow"} {
			require.NoError(t, store.AppendUsage(ctx, &models.UsageRecord{
				KeyID:     "k1",
				Timestamp: baseTime.Add(time.Duration(i) * time.Hour),
				Endpoint:  "/api/v1/whoami",
				Method:    "GET",
				Outcome:   outcome,
				ClientIP:  "203.0.113.7",
				UserAgent: "test",
			}))
		}

		recs, err := store.ListUsage(ctx, "k1", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.WithinDuration(t, baseTime.Add(2*time.Hour), recs[0].Timestamp, time.Microsecond)
		assert.Equal(t, "rate_limit_exceeded", recs[1].Outcome)
		assert.Equal(t, "203.0.113.7", recs[1].ClientIP)

		removed, err := store.PruneUsage(ctx, baseTime.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		recs, err = store.ListUsage(ctx, "k1", 0)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}

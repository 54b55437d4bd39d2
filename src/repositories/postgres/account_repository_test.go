package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/database"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository(t *testing.T) {
	database.WithTestDB(t, func(tdb *database.TestDB) {
		ctx := context.Background()
		repo := NewAccountRepository(tdb.Pool)

		n, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		account := &models.Account{
			ID:           uuid.New(),
			Username:     "root",
			PasswordHash: "$2a$10$hash",
			IsAdmin:      true,
			CreatedAt:    baseTime,
			IsActive:     true,
		}
		require.NoError(t, repo.Create(ctx, account))

		got, err := repo.GetByUsername(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
		assert.Equal(t, "$2a$10$hash", got.PasswordHash)
		assert.True(t, got.IsAdmin)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.LastLogin)

		require.NoError(t, repo.UpdateLastLogin(ctx, account.ID))
		got, err = repo.GetByUsername(ctx, "root")
		require.NoError(t, err)
		require.NotNil(t, got.LastLogin)
		assert.WithinDuration(t, time.Now(), *got.LastLogin, time.Minute)

		_, err = repo.GetByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, repositories.ErrNotFound)

		dup := *account
		dup.ID = uuid.New()
		assert.Error(t, repo.Create(ctx, &dup))

		n, err = repo.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

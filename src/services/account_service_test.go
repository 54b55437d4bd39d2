package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/khabaroff/gatekeeper/src/repositories/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAccountService_CreateAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("hashes password", func(t *testing.T) {
		repo := mock.NewAccountRepository()
		svc := NewAccountService(repo)

		account, err := svc.CreateAccount(ctx, "admin", "correct horse", true)
		require.NoError(t, err)
		assert.True(t, account.IsAdmin)
		assert.NotEqual(t, "correct horse", account.PasswordHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("correct horse")))
		assert.Len(t, repo.Calls["Create"], 1)
	})

	t.Run("validates input", func(t *testing.T) {
		svc := NewAccountService(mock.NewAccountRepository())
		_, err := svc.CreateAccount(ctx, "", "password123", false)
		assert.Error(t, err)
		_, err = svc.CreateAccount(ctx, "bob", "short", false)
		assert.Error(t, err)
	})
}

func TestAccountService_Authenticate(t *testing.T) {
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)

	stored := &models.Account{ID: uuid.New(), Username: "alice", PasswordHash: string(hash), IsActive: true}
	repo := mock.NewAccountRepository()
	repo.GetByUsernameFunc = func(ctx context.Context, username string) (*models.Account, error) {
		switch username {
		case "alice":
			c := *stored
			return &c, nil
		case "disabled":
			c := *stored
			c.IsActive = false
			return &c, nil
		case "broken":
			return nil, errors.New("connection reset")
		}
		return nil, repositories.ErrNotFound
	}
	svc := NewAccountService(repo)

	account, err := svc.Authenticate(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.NotNil(t, account.LastLogin)
	assert.Len(t, repo.Calls["UpdateLastLogin"], 1)

	_, err = svc.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "disabled", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "broken", "password123")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

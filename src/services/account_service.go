package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// dummyPasswordHash is compared against when the username is unknown
var dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("gatekeeper-unknown-account"), bcrypt.DefaultCost)

// AccountService handles interactive account operations
type AccountService struct {
	repo   repositories.AccountRepository
	logger zerolog.Logger
}

// NewAccountService creates a new account service
func NewAccountService(repo repositories.AccountRepository) *AccountService {
	return &AccountService{
		repo:   repo,
		logger: logging.NewLogger("account_service"),
	}
}

// CreateAccount creates a new account with hashed password
func (as *AccountService) CreateAccount(ctx context.Context, username, password string, isAdmin bool) (*models.Account, error) {
	if len(username) < 1 || len(username) > 255 {
		return nil, errors.New("username must be between 1 and 255 characters")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now(),
		IsActive:     true,
	}
	if err := as.repo.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// HasAccounts checks if any account exists
func (as *AccountService) HasAccounts(ctx context.Context) (bool, error) {
	n, err := as.repo.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n > 0, nil
}

// Authenticate verifies username and password. Every failure, including an
// unknown or inactive account, is ErrInvalidCredentials.
func (as *AccountService) Authenticate(ctx context.Context, username, password string) (*models.Account, error) {
	account, err := as.repo.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || !account.IsActive {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := as.repo.UpdateLastLogin(ctx, account.ID); err != nil {
		as.logger.Warn().Err(err).Str("username", account.Username).Msg("failed to update last_login")
	}
	account.LastLogin = &now
	return account, nil
}

// GetAccount retrieves an account by username
func (as *AccountService) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	account, err := as.repo.GetByUsername(ctx, username)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

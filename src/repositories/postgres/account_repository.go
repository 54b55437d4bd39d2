package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
)

// AccountRepository stores accounts in the accounts table
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates an account repository backed by pool
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, username, password_hash, is_admin, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query, account.ID, account.Username, account.PasswordHash,
		account.IsAdmin, account.CreatedAt, account.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `
		SELECT id, username, password_hash, is_admin, created_at, last_login, is_active
		FROM accounts
		WHERE username = $1
	`
	a := &models.Account{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.IsAdmin, &a.CreatedAt, &a.LastLogin, &a.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) UpdateLastLogin(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE accounts SET last_login = NOW() WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to update last_login: %w", err)
	}
	return nil
}

func (r *AccountRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}

var _ repositories.AccountRepository = (*AccountRepository)(nil)

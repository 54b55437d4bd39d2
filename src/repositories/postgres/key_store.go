// Package postgres implements the repositories on top of a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
)

// KeyStore stores API keys in the api_keys table
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore creates a key store backed by pool
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

const keyColumns = `id, owner, name, secret_salt, secret_hash, signing_secret, scopes,
	rate_limit, created_at, expires_at, revoked_at, last_used_at`

func scanKey(row pgx.Row) (*models.APIKey, error) {
	k := &models.APIKey{}
	var scopes []string
	err := row.Scan(&k.ID, &k.Owner, &k.Name, &k.SecretSalt, &k.SecretHash, &k.SigningSecret,
		&scopes, &k.RateLimit, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt)
	if err != nil {
		return nil, err
	}
	k.Scopes = make([]models.Scope, len(scopes))
	for i, s := range scopes {
		k.Scopes[i] = models.Scope(s)
	}
	return k, nil
}

// GetKey retrieves a key by id
func (s *KeyStore) GetKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE id = $1`
	k, err := scanKey(s.pool.QueryRow(ctx, query, keyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// RevokedAt reads the revocation time of a key
func (s *KeyStore) RevokedAt(ctx context.Context, keyID string) (*time.Time, error) {
	var revokedAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT revoked_at FROM api_keys WHERE id = $1`, keyID).Scan(&revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read revocation: %w", err)
	}
	return revokedAt, nil
}

// ListKeys lists keys for an owner, or all keys when owner is empty
func (s *KeyStore) ListKeys(ctx context.Context, owner string) ([]*models.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys
		WHERE ($1 = '' OR owner = $1)
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CreateKey inserts a new key
func (s *KeyStore) CreateKey(ctx context.Context, key *models.APIKey) error {
	scopes := make([]string, len(key.Scopes))
	for i, sc := range key.Scopes {
		scopes[i] = string(sc)
	}

	query := `
		INSERT INTO api_keys (id, owner, name, secret_salt, secret_hash, signing_secret, scopes,
			rate_limit, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query, key.ID, key.Owner, key.Name, key.SecretSalt, key.SecretHash,
		key.SigningSecret, scopes, key.RateLimit, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// RevokeKey marks a key revoked. Revoking twice keeps the first timestamp.
func (s *KeyStore) RevokeKey(ctx context.Context, keyID string, at time.Time) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// TouchLastUsed records the last successful use of a key
func (s *KeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

// AppendUsage inserts an audit row
func (s *KeyStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO api_key_usage (key_id, occurred_at, endpoint, method, outcome, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, rec.KeyID, rec.Timestamp, rec.Endpoint, rec.Method,
		rec.Outcome, rec.ClientIP, rec.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListUsage returns the most recent usage records for a key
func (s *KeyStore) ListUsage(ctx context.Context, keyID string, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT key_id, occurred_at, endpoint, method, outcome, client_ip, user_agent
		FROM api_key_usage
		WHERE key_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		rec := &models.UsageRecord{}
		if err := rows.Scan(&rec.KeyID, &rec.Timestamp, &rec.Endpoint, &rec.Method,
			&rec.Outcome, &rec.ClientIP, &rec.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneUsage deletes usage rows older than before
func (s *KeyStore) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM api_key_usage WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return result.RowsAffected(), nil
}

var (
	_ repositories.KeyStore    = (*KeyStore)(nil)
	_ repositories.UsagePruner = (*KeyStore)(nil)
)

package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// KeyStore owns durable API key records. The gateway only depends on these
// lookup and update operations, never on a storage schema.
type KeyStore interface {
	// Lookup
	GetKey(ctx context.Context, keyID string) (*models.APIKey, error)
	// RevokedAt reads only the revocation time, nil while the key is live
	RevokedAt(ctx context.Context, keyID string) (*time.Time, error)
	ListKeys(ctx context.Context, owner string) ([]*models.APIKey, error)

	// Mutations
	CreateKey(ctx context.Context, key *models.APIKey) error
	RevokeKey(ctx context.Context, keyID string, at time.Time) error
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error

	// Audit
	AppendUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, keyID string, limit int) ([]*models.UsageRecord, error)
}

// UsagePruner is implemented by stores that can drop old usage records
type UsagePruner interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// AccountRepository defines the interface for account data access
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	UpdateLastLogin(ctx context.Context, accountID uuid.UUID) error
	Count(ctx context.Context) (int, error)
}

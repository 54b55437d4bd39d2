package mock

import (
	"context"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
)

// AccountRepository is a mock implementation of repositories.AccountRepository
type AccountRepository struct {
	// Function stubs that can be overridden in tests
	CreateFunc          func(ctx context.Context, account *models.Account) error
	GetByUsernameFunc   func(ctx context.Context, username string) (*models.Account, error)
	UpdateLastLoginFunc func(ctx context.Context, accountID uuid.UUID) error
	CountFunc           func(ctx context.Context) (int, error)

	// Call tracking
	Calls map[string][]interface{}
}

// NewAccountRepository creates a new mock account repository
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		Calls: make(map[string][]interface{}),
	}
}

func (m *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	m.Calls["Create"] = append(m.Calls["Create"], account)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, account)
	}
	return nil
}

func (m *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.Calls["GetByUsername"] = append(m.Calls["GetByUsername"], username)
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, repositories.ErrNotFound
}

func (m *AccountRepository) UpdateLastLogin(ctx context.Context, accountID uuid.UUID) error {
	m.Calls["UpdateLastLogin"] = append(m.Calls["UpdateLastLogin"], accountID)
	if m.UpdateLastLoginFunc != nil {
		return m.UpdateLastLoginFunc(ctx, accountID)
	}
	return nil
}

func (m *AccountRepository) Count(ctx context.Context) (int, error) {
	m.Calls["Count"] = append(m.Calls["Count"], nil)
	if m.CountFunc != nil {
		return m.CountFunc(ctx)
	}
	return 0, nil
}

// Ensure AccountRepository implements the interface
var _ repositories.AccountRepository = (*AccountRepository)(nil)

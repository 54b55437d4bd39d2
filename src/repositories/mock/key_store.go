package mock

import (
	"context"
	"sync"
	"time"

	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
)

// KeyStore is a mock implementation of repositories.KeyStore
type KeyStore struct {
	// Function stubs that can be overridden in tests
	GetKeyFunc        func(ctx context.Context, keyID string) (*models.APIKey, error)
	RevokedAtFunc     func(ctx context.Context, keyID string) (*time.Time, error)
	ListKeysFunc      func(ctx context.Context, owner string) ([]*models.APIKey, error)
	CreateKeyFunc     func(ctx context.Context, key *models.APIKey) error
	RevokeKeyFunc     func(ctx context.Context, keyID string, at time.Time) error
	TouchLastUsedFunc func(ctx context.Context, keyID string, at time.Time) error
	AppendUsageFunc   func(ctx context.Context, rec *models.UsageRecord) error
	ListUsageFunc     func(ctx context.Context, keyID string, limit int) ([]*models.UsageRecord, error)

	// Call tracking
	mu    sync.Mutex
	Calls map[string][]interface{}
}

// NewKeyStore creates a new mock key store
func NewKeyStore() *KeyStore {
	return &KeyStore{
		Calls: make(map[string][]interface{}),
	}
}

func (m *KeyStore) record(name string, arg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name] = append(m.Calls[name], arg)
}

// CallCount returns how many times the named method was called
func (m *KeyStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls[name])
}

func (m *KeyStore) GetKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	m.record("GetKey", keyID)
	if m.GetKeyFunc != nil {
		return m.GetKeyFunc(ctx, keyID)
	}
	return nil, repositories.ErrNotFound
}

// RevokedAt falls back to GetKeyFunc so a stubbed record answers both lookups
func (m *KeyStore) RevokedAt(ctx context.Context, keyID string) (*time.Time, error) {
	m.record("RevokedAt", keyID)
	if m.RevokedAtFunc != nil {
		return m.RevokedAtFunc(ctx, keyID)
	}
	if m.GetKeyFunc != nil {
		key, err := m.GetKeyFunc(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, repositories.ErrNotFound
		}
		return key.RevokedAt, nil
	}
	return nil, repositories.ErrNotFound
}

func (m *KeyStore) ListKeys(ctx context.Context, owner string) ([]*models.APIKey, error) {
	m.record("ListKeys", owner)
	if m.ListKeysFunc != nil {
		return m.ListKeysFunc(ctx, owner)
	}
	return nil, nil
}

func (m *KeyStore) CreateKey(ctx context.Context, key *models.APIKey) error {
	m.record("CreateKey", key)
	if m.CreateKeyFunc != nil {
		return m.CreateKeyFunc(ctx, key)
	}
	return nil
}

func (m *KeyStore) RevokeKey(ctx context.Context, keyID string, at time.Time) error {
	m.record("RevokeKey", keyID)
	if m.RevokeKeyFunc != nil {
		return m.RevokeKeyFunc(ctx, keyID, at)
	}
	return nil
}

func (m *KeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	m.record("TouchLastUsed", keyID)
	if m.TouchLastUsedFunc != nil {
		return m.TouchLastUsedFunc(ctx, keyID, at)
	}
	return nil
}

func (m *KeyStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	m.record("AppendUsage", rec)
	if m.AppendUsageFunc != nil {
		return m.AppendUsageFunc(ctx, rec)
	}
	return nil
}

func (m *KeyStore) ListUsage(ctx context.Context, keyID string, limit int) ([]*models.UsageRecord, error) {
	m.record("ListUsage", keyID)
	if m.ListUsageFunc != nil {
		return m.ListUsageFunc(ctx, keyID, limit)
	}
	return nil, nil
}

// Ensure KeyStore implements the interface
var _ repositories.KeyStore = (*KeyStore)(nil)

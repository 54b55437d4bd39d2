// Package memory provides in-process repositories for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
)

// KeyStore keeps API keys and usage records in maps
type KeyStore struct {
	mu    sync.RWMutex
	keys  map[string]*models.APIKey
	usage []*models.UsageRecord
}

// NewKeyStore creates an empty key store
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*models.APIKey)}
}

func cloneKey(k *models.APIKey) *models.APIKey {
	c := *k
	c.Scopes = append([]models.Scope(nil), k.Scopes...)
	c.SecretSalt = append([]byte(nil), k.SecretSalt...)
	c.SecretHash = append([]byte(nil), k.SecretHash...)
	c.SigningSecret = append([]byte(nil), k.SigningSecret...)
	return &c
}

func (s *KeyStore) GetKey(_ context.Context, keyID string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *KeyStore) RevokedAt(_ context.Context, keyID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if k.RevokedAt == nil {
		return nil, nil
	}
	at := *k.RevokedAt
	return &at, nil
}

func (s *KeyStore) ListKeys(_ context.Context, owner string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if owner == "" || k.Owner == owner {
			out = append(out, cloneKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *KeyStore) CreateKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *KeyStore) RevokeKey(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return repositories.ErrNotFound
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	return nil
}

func (s *KeyStore) TouchLastUsed(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return repositories.ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

func (s *KeyStore) AppendUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.usage = append(s.usage, &c)
	return nil
}

func (s *KeyStore) ListUsage(_ context.Context, keyID string, limit int) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UsageRecord
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].KeyID != keyID {
			continue
		}
		c := *s.usage[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneUsage drops usage records older than before
func (s *KeyStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.usage[:0]
	var dropped int64
	for _, rec := range s.usage {
		if rec.Timestamp.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept
	return dropped, nil
}

// AccountRepository keeps accounts in a map keyed by username
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account
}

// NewAccountRepository creates an empty account repository
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[string]*models.Account)}
}

func (r *AccountRepository) Create(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.Username]; ok {
		return fmt.Errorf("account %q already exists", account.Username)
	}
	c := *account
	r.accounts[account.Username] = &c
	return nil
}

func (r *AccountRepository) GetByUsername(_ context.Context, username string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[username]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (r *AccountRepository) UpdateLastLogin(_ context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ID == accountID {
			now := time.Now()
			a.LastLogin = &now
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (r *AccountRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts), nil
}

var (
	_ repositories.KeyStore          = (*KeyStore)(nil)
	_ repositories.UsagePruner       = (*KeyStore)(nil)
	_ repositories.AccountRepository = (*AccountRepository)(nil)
)

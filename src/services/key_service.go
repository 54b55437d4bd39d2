package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/rs/zerolog"
)

// KeyServiceConfig tunes API key authentication
type KeyServiceConfig struct {
	// StoreTimeout bounds every KeyStore call; a timeout denies the request
	StoreTimeout time.Duration
	// CacheTTL of resolved key records; zero disables the cache
	CacheTTL  time.Duration
	CacheSize int
	// DefaultQuota applies when neither the key nor its scopes carry one
	DefaultQuota int
	ScopeQuotas  map[models.Scope]int
}

// RequestMeta describes the request a key is presented on, for auditing
type RequestMeta struct {
	Endpoint  string
	Method    string
	ClientIP  string
	UserAgent string
}

// NewKeyRequest describes a key to mint
type NewKeyRequest struct {
	Owner     string
	Name      string
	Scopes    []models.Scope
	RateLimit int
	TTL       time.Duration
}

// KeyService authenticates API keys and manages their lifecycle
type KeyService struct {
	store  repositories.KeyStore
	enc    *Encryptor
	sink   SecurityEventSink
	cache  *expirable.LRU[string, *models.APIKey]
	cfg    KeyServiceConfig
	now    func() time.Time
	logger zerolog.Logger
}

// dummySalt and dummyHash keep unknown-id lookups on the same compare path
var (
	dummySalt = make([]byte, saltLength)
	dummyHash = hashSecret(dummySalt, "gatekeeper-unknown-key")
)

// NewKeyService creates a new key service
func NewKeyService(store repositories.KeyStore, enc *Encryptor, sink SecurityEventSink, cfg KeyServiceConfig) *KeyService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = 100
	}

	ks := &KeyService{
		store:  store,
		enc:    enc,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NewLogger("key_service"),
	}
	if cfg.CacheTTL > 0 {
		ks.cache = expirable.NewLRU[string, *models.APIKey](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return ks
}

// lookup resolves a key record, failing closed on store errors and timeouts.
// A nil record with nil error means the id is unknown.
//
// The cache only saves the full record fetch: revocation is always read from
// the store, so a revoke issued by any process takes effect on the next request.
func (ks *KeyService) lookup(ctx context.Context, keyID string) (*models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.cfg.StoreTimeout)
	defer cancel()

	if ks.cache != nil {
		if key, ok := ks.cache.Get(keyID); ok {
			return ks.refreshRevocation(ctx, key)
		}
	}

	key, err := ks.store.GetKey(ctx, keyID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}

	if ks.cache != nil {
		ks.cache.Add(keyID, key)
	}
	return key, nil
}

// refreshRevocation overlays the stored revocation state on a cached record
func (ks *KeyService) refreshRevocation(ctx context.Context, cached *models.APIKey) (*models.APIKey, error) {
	revokedAt, err := ks.store.RevokedAt(ctx, cached.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		ks.cache.Remove(cached.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}
	if revokedAt == nil {
		return cached, nil
	}

	ks.cache.Remove(cached.ID)
	key := *cached
	key.RevokedAt = revokedAt
	return &key, nil
}

// Authenticate resolves a presented key and checks it grants required (when
// non-empty). Denials decided here are recorded immediately; a successful
// authentication is recorded by RecordOutcome once the request completes. InvalidKey, RevokedKey and ExpiredKey are
// distinct here and in the emitted event; callers should not reveal which.
func (ks *KeyService) Authenticate(ctx context.Context, presented string, required models.Scope, meta RequestMeta) (*models.Identity, error) {
	event := models.SecurityEvent{
		Kind:     models.EventAPIKeyAuth,
		ClientIP: meta.ClientIP,
		Path:     meta.Endpoint,
	}

	deny := func(keyID string, err error) (*models.Identity, error) {
		event.Outcome = models.OutcomeDeny
		event.Identity = keyID
		event.Reason = ReasonCode(err)
		Emit(ctx, ks.sink, event)
		if keyID != "" {
			ks.recordUsage(ctx, keyID, event.Reason, meta)
		}
		return nil, err
	}

	pk, err := ParsePresentedKey(presented)
	if err != nil {
		return deny("", ErrInvalidKey)
	}

	key, err := ks.lookup(ctx, pk.ID)
	if err != nil {
		ks.logger.Error().Err(err).Str("key_id", pk.ID).Msg("key store lookup failed")
		event.Identity = pk.ID
		event.Outcome = models.OutcomeDeny
		event.Reason = ReasonCode(err)
		Emit(ctx, ks.sink, event)
		return nil, err
	}

	if key == nil {
		secretMatches(dummySalt, dummyHash, pk.Secret)
		return deny("", ErrInvalidKey)
	}
	if !secretMatches(key.SecretSalt, key.SecretHash, pk.Secret) {
		return deny(key.ID, ErrInvalidKey)
	}

	now := ks.now()
	if key.IsRevoked() {
		return deny(key.ID, ErrRevokedKey)
	}
	if key.IsExpired(now) {
		return deny(key.ID, ErrExpiredKey)
	}

	identity := &models.Identity{
		Subject: key.Owner,
		KeyID:   key.ID,
		Scopes:  append([]models.Scope(nil), key.Scopes...),
		Quota:   ks.quotaFor(key),
		Method:  models.AuthMethodAPIKey,
	}

	if required != "" {
		if err := RequireScopes(required).Check(AccessRequest{Identity: identity}); err != nil {
			return deny(key.ID, err)
		}
	}

	event.Outcome = models.OutcomeAllow
	event.Identity = key.ID
	Emit(ctx, ks.sink, event)

	return identity, nil
}

// RecordOutcome writes the usage record for a key-authenticated request after
// the rest of the chain has run. A nil err records an allow and bumps last use.
func (ks *KeyService) RecordOutcome(ctx context.Context, keyID string, err error, meta RequestMeta) {
	if err != nil {
		ks.recordUsage(ctx, keyID, ReasonCode(err), meta)
		return
	}
	ks.touch(ctx, keyID, ks.now())
	ks.recordUsage(ctx, keyID, string(models.OutcomeAllow), meta)
}

// quotaFor picks the key's own quota, else the most generous quota among its
// scopes, else the default
func (ks *KeyService) quotaFor(key *models.APIKey) int {
	if key.RateLimit > 0 {
		return key.RateLimit
	}
	quota := 0
	for _, s := range key.Scopes {
		if q := ks.cfg.ScopeQuotas[s]; q > quota {
			quota = q
		}
	}
	if quota == 0 {
		quota = ks.cfg.DefaultQuota
	}
	return quota
}

// storeContext detaches audit writes from client cancellation but keeps them bounded
func (ks *KeyService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ks.cfg.StoreTimeout)
}

func (ks *KeyService) touch(ctx context.Context, keyID string, at time.Time) {
	ctx, cancel := ks.storeContext(ctx)
	defer cancel()
	if err := ks.store.TouchLastUsed(ctx, keyID, at); err != nil {
		ks.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to update last_used_at")
	}
}

func (ks *KeyService) recordUsage(ctx context.Context, keyID, outcome string, meta RequestMeta) {
	ctx, cancel := ks.storeContext(ctx)
	defer cancel()
	rec := &models.UsageRecord{
		KeyID:     keyID,
		Timestamp: ks.now(),
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		Outcome:   outcome,
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
	}
	if err := ks.store.AppendUsage(ctx, rec); err != nil {
		ks.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to append usage record")
	}
}

// SigningSecret returns the plaintext secret used to verify request HMACs
func (ks *KeyService) SigningSecret(ctx context.Context, keyID string) ([]byte, error) {
	key, err := ks.lookup(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrInvalidKey
	}
	secret, err := ks.enc.Decrypt(key.SigningSecret, []byte(key.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open signing secret: %w", err)
	}
	return secret, nil
}

// CreateKey mints a key and returns the record and the plaintext key.
// The plaintext is never stored and cannot be recovered later.
func (ks *KeyService) CreateKey(ctx context.Context, req NewKeyRequest) (*models.APIKey, string, error) {
	if req.Owner == "" {
		return nil, "", errors.New("owner is required")
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, "", err
	}
	if req.RateLimit < 0 {
		return nil, "", errors.New("rate limit must not be negative")
	}

	pk, err := generatePresentedKey()
	if err != nil {
		return nil, "", err
	}
	salt, err := generateSalt()
	if err != nil {
		return nil, "", err
	}
	sealed, err := ks.enc.Encrypt([]byte(pk.Secret), []byte(pk.ID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal signing secret: %w", err)
	}

	now := ks.now()
	key := &models.APIKey{
		ID:            pk.ID,
		Owner:         req.Owner,
		Name:          req.Name,
		SecretSalt:    salt,
		SecretHash:    hashSecret(salt, pk.Secret),
		SigningSecret: sealed,
		Scopes:        scopes,
		RateLimit:     req.RateLimit,
		CreatedAt:     now,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		key.ExpiresAt = &expires
	}

	storeCtx, cancel := context.WithTimeout(ctx, ks.cfg.StoreTimeout)
	defer cancel()
	if err := ks.store.CreateKey(storeCtx, key); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}

	Emit(ctx, ks.sink, models.SecurityEvent{
		Kind:     models.EventAPIKeyCreated,
		Outcome:  models.OutcomeAllow,
		Identity: key.ID,
		Detail:   map[string]string{"owner": key.Owner},
	})
	ks.logger.Info().Str("key_id", key.ID).Str("owner", key.Owner).Msg("api key created")

	return key, pk.String(), nil
}

func normalizeScopes(in []models.Scope) ([]models.Scope, error) {
	if len(in) == 0 {
		return nil, errors.New("at least one scope is required")
	}
	seen := make(map[models.Scope]bool, len(in))
	out := make([]models.Scope, 0, len(in))
	for _, s := range in {
		if !models.ValidScope(s) {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// RevokeKey revokes a key and drops it from the cache so the next request
// using it fails immediately
func (ks *KeyService) RevokeKey(ctx context.Context, keyID string) error {
	storeCtx, cancel := context.WithTimeout(ctx, ks.cfg.StoreTimeout)
	defer cancel()

	err := ks.store.RevokeKey(storeCtx, keyID, ks.now())
	if ks.cache != nil {
		ks.cache.Remove(keyID)
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}

	Emit(ctx, ks.sink, models.SecurityEvent{
		Kind:     models.EventAPIKeyRevoked,
		Outcome:  models.OutcomeAllow,
		Identity: keyID,
	})
	ks.logger.Info().Str("key_id", keyID).Msg("api key revoked")
	return nil
}

// GetKey returns a key record
func (ks *KeyService) GetKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	key, err := ks.lookup(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// ListKeys lists keys for owner, or every key when owner is empty
func (ks *KeyService) ListKeys(ctx context.Context, owner string) ([]*models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.cfg.StoreTimeout)
	defer cancel()
	keys, err := ks.store.ListKeys(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}
	return keys, nil
}

// ListUsage returns recent usage records for a key
func (ks *KeyService) ListUsage(ctx context.Context, keyID string, limit int) ([]*models.UsageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.cfg.StoreTimeout)
	defer cancel()
	recs, err := ks.store.ListUsage(ctx, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}
	return recs, nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/khabaroff/gatekeeper/src/config"
	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/database"
	"github.com/khabaroff/gatekeeper/src/handlers"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/khabaroff/gatekeeper/src/repositories/memory"
	"github.com/khabaroff/gatekeeper/src/repositories/postgres"
	"github.com/rs/zerolog/log"
)

// stores holds the backing stores selected by configuration
type stores struct {
	db       *database.Database
	keys     repositories.KeyStore
	accounts repositories.AccountRepository
	counters counters.Store
	redis    *counters.RedisStore
}

// openStores connects to PostgreSQL when DATABASE_URL is set and to Redis
// when REDIS_URL is set; otherwise it falls back to in-memory stores
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}

	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		db, err := database.New(dbCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		s.db = db
		s.keys = postgres.NewKeyStore(db.GetPool())
		s.accounts = postgres.NewAccountRepository(db.GetPool())
		log.Info().Msg("database connected")
	} else {
		s.keys = memory.NewKeyStore()
		s.accounts = memory.NewAccountRepository()
		log.Warn().Msg("DATABASE_URL not set - keys and accounts are kept in memory")
	}

	if cfg.RedisURL != "" {
		rs, err := counters.NewRedisStoreFromURL(ctx, cfg.RedisURL, "")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		s.redis = rs
		s.counters = rs
		log.Info().Msg("redis rate counters connected")
	} else {
		s.counters = counters.NewMemoryStore()
	}

	return s, nil
}

// healthChecker returns nil when running without a database
func (s *stores) healthChecker() handlers.HealthChecker {
	if s.db == nil {
		return nil
	}
	return s.db
}

// Close releases every open connection
func (s *stores) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

package services

import (
	"context"
	"time"

	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/repositories"
	"github.com/rs/zerolog"
)

// CleanupService periodically evicts expired in-memory security state and
// prunes old usage records
type CleanupService struct {
	sweepers  map[string]counters.Sweeper
	pruner    repositories.UsagePruner
	retention time.Duration
	enabled   bool
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	logger    zerolog.Logger
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(enabled bool, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupService{
		sweepers: make(map[string]counters.Sweeper),
		enabled:  enabled,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
		logger:   logging.NewLogger("cleanup"),
	}
}

// Register adds a named sweeper; call before Start
func (cs *CleanupService) Register(name string, s counters.Sweeper) {
	if s != nil {
		cs.sweepers[name] = s
	}
}

// PruneUsage enables deletion of usage records older than retention
func (cs *CleanupService) PruneUsage(p repositories.UsagePruner, retention time.Duration) {
	cs.pruner = p
	cs.retention = retention
}

// Start starts the cleanup service
func (cs *CleanupService) Start(ctx context.Context) {
	if !cs.enabled {
		cs.logger.Info().Msg("cleanup service is disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				cs.logger.Info().Msg("cleanup service stopped")
				return
			case <-cs.done:
				cs.logger.Info().Msg("cleanup service stopped")
				return
			case <-ticker.C:
				cs.RunOnce(ctx)
			}
		}
	}()

	cs.logger.Info().Dur("interval", cs.interval).Int("sweepers", len(cs.sweepers)).Msg("cleanup service started")
}

// Stop stops the cleanup service
func (cs *CleanupService) Stop() {
	if cs.enabled {
		close(cs.done)
	}
}

// RunOnce performs a single cleanup pass and returns evictions per sweeper
func (cs *CleanupService) RunOnce(ctx context.Context) map[string]int {
	now := cs.now()
	removed := make(map[string]int, len(cs.sweepers)+1)

	for name, s := range cs.sweepers {
		if n := s.Sweep(now); n > 0 {
			removed[name] = n
		}
	}

	if cs.pruner != nil && cs.retention > 0 {
		n, err := cs.pruner.PruneUsage(ctx, now.Add(-cs.retention))
		if err != nil {
			cs.logger.Error().Err(err).Msg("usage prune failed")
		} else if n > 0 {
			removed["usage"] = int(n)
		}
	}

	if len(removed) > 0 {
		ev := cs.logger.Debug()
		for name, n := range removed {
			ev = ev.Int(name, n)
		}
		ev.Msg("cleanup completed")
	}
	return removed
}

package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/rs/zerolog"
)

// LoginGuardConfig holds the lockout policy
type LoginGuardConfig struct {
	Threshold       int
	Window          time.Duration
	LockoutDuration time.Duration
}

// DefaultLoginGuardConfig is 5 failures in 15 minutes locks for 30 minutes
func DefaultLoginGuardConfig() LoginGuardConfig {
	return LoginGuardConfig{
		Threshold:       5,
		Window:          15 * time.Minute,
		LockoutDuration: 30 * time.Minute,
	}
}

const guardShards = 32

type guardShard struct {
	mu     sync.Mutex
	states map[string]*models.LoginAttemptState
}

// LoginGuard tracks failed credential checks per identity and locks
// identities that reach the threshold. Every read-modify-write of an
// identity's state happens under its shard lock.
type LoginGuard struct {
	shards [guardShards]*guardShard
	cfg    LoginGuardConfig
	sink   SecurityEventSink
	now    func() time.Time
	logger zerolog.Logger
}

// NewLoginGuard creates a guard; zero config fields take the defaults
func NewLoginGuard(cfg LoginGuardConfig, sink SecurityEventSink) *LoginGuard {
	def := DefaultLoginGuardConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}

	g := &LoginGuard{
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		logger: logging.NewLogger("login_guard"),
	}
	for i := range g.shards {
		g.shards[i] = &guardShard{states: make(map[string]*models.LoginAttemptState)}
	}
	return g
}

// NormalizeLoginIdentity is the form every LoginGuard method keys state by
func NormalizeLoginIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (g *LoginGuard) shard(identity string) *guardShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return g.shards[h.Sum32()%guardShards]
}

// refresh applies timer transitions: an expired lock returns to Active with
// a zero count, and an expired window drops accumulated failures.
func (g *LoginGuard) refresh(st *models.LoginAttemptState, now time.Time) {
	if st.LockedUntil != nil {
		if !now.Before(*st.LockedUntil) {
			st.LockedUntil = nil
			st.Count = 0
			st.WindowStart = time.Time{}
		}
		return
	}
	if st.Count > 0 && now.Sub(st.WindowStart) >= g.cfg.Window {
		st.Count = 0
		st.WindowStart = time.Time{}
	}
}

func (g *LoginGuard) lockedError(st *models.LoginAttemptState, now time.Time) error {
	return &RetryError{Err: ErrAccountLocked, RetryAfter: st.LockedUntil.Sub(now)}
}

// Check fails with ErrAccountLocked while identity is locked
func (g *LoginGuard) Check(_ context.Context, identity string) error {
	identity = NormalizeLoginIdentity(identity)
	sh := g.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[identity]
	if !ok {
		return nil
	}
	now := g.now()
	g.refresh(st, now)
	if st.State(now) == models.LoginStateLocked {
		return g.lockedError(st, now)
	}
	return nil
}

// RecordFailure counts one failed attempt. A locked identity is not
// incremented and gets ErrAccountLocked.
func (g *LoginGuard) RecordFailure(ctx context.Context, identity string) (models.LoginAttemptState, error) {
	identity = NormalizeLoginIdentity(identity)
	sh := g.shard(identity)
	sh.mu.Lock()

	now := g.now()
	st, ok := sh.states[identity]
	if !ok {
		st = &models.LoginAttemptState{Identity: identity}
		sh.states[identity] = st
	}
	g.refresh(st, now)

	if st.State(now) == models.LoginStateLocked {
		snapshot := *st
		err := g.lockedError(st, now)
		sh.mu.Unlock()
		return snapshot, err
	}

	if st.Count == 0 {
		st.WindowStart = now
	}
	st.Count++

	locked := false
	if st.Count >= g.cfg.Threshold {
		until := now.Add(g.cfg.LockoutDuration)
		st.LockedUntil = &until
		locked = true
	}
	snapshot := *st
	sh.mu.Unlock()

	if locked {
		g.logger.Warn().Str("identity", identity).Time("locked_until", *snapshot.LockedUntil).Msg("identity locked")
		Emit(ctx, g.sink, models.SecurityEvent{
			Kind:     models.EventLockout,
			Outcome:  models.OutcomeDeny,
			Identity: identity,
			Reason:   ReasonCode(ErrAccountLocked),
			Detail:   map[string]string{"failures": fmt.Sprint(snapshot.Count)},
		})
	}
	return snapshot, nil
}

// RecordSuccess resets the failure count. It fails with ErrAccountLocked if
// the identity was locked meanwhile, so a correct password never beats a lock.
func (g *LoginGuard) RecordSuccess(_ context.Context, identity string) error {
	identity = NormalizeLoginIdentity(identity)
	sh := g.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[identity]
	if !ok {
		return nil
	}
	now := g.now()
	g.refresh(st, now)
	if st.State(now) == models.LoginStateLocked {
		return g.lockedError(st, now)
	}
	delete(sh.states, identity)
	return nil
}

// Guard runs verify between a lock check and the state update.
// verify must return ErrInvalidCredentials (possibly wrapped) for a wrong
// credential; any other error, or a cancelled ctx, is not counted.
func (g *LoginGuard) Guard(ctx context.Context, identity, clientIP string, verify func(context.Context) error) error {
	identity = NormalizeLoginIdentity(identity)
	result := func(err error) error {
		event := models.SecurityEvent{
			Kind:     models.EventLogin,
			Outcome:  models.OutcomeAllow,
			Identity: identity,
			ClientIP: clientIP,
		}
		if err != nil {
			event.Outcome = models.OutcomeDeny
			event.Reason = ReasonCode(err)
		}
		Emit(ctx, g.sink, event)
		return err
	}

	if err := g.Check(ctx, identity); err != nil {
		return result(err)
	}

	err := verify(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch {
	case err == nil:
		return result(g.RecordSuccess(ctx, identity))
	case errors.Is(err, ErrInvalidCredentials):
		if _, lockErr := g.RecordFailure(ctx, identity); lockErr != nil {
			return result(lockErr)
		}
		return result(ErrInvalidCredentials)
	default:
		return err
	}
}

// Clear resets identity to Active regardless of timers
func (g *LoginGuard) Clear(ctx context.Context, identity string) {
	identity = NormalizeLoginIdentity(identity)
	sh := g.shard(identity)
	sh.mu.Lock()
	delete(sh.states, identity)
	sh.mu.Unlock()

	g.logger.Info().Str("identity", identity).Msg("lockout cleared")
	Emit(ctx, g.sink, models.SecurityEvent{
		Kind:     models.EventLockoutCleared,
		Outcome:  models.OutcomeAllow,
		Identity: identity,
	})
}

// State returns a snapshot of identity's attempt state
func (g *LoginGuard) State(identity string) models.LoginAttemptState {
	identity = NormalizeLoginIdentity(identity)
	sh := g.shard(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[identity]
	if !ok {
		return models.LoginAttemptState{Identity: identity}
	}
	g.refresh(st, g.now())
	return *st
}

// Sweep drops identities with no live failures or lock
func (g *LoginGuard) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		for id, st := range sh.states {
			g.refresh(st, now)
			if st.Count == 0 && st.LockedUntil == nil {
				delete(sh.states, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

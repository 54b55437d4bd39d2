package services

import (
	"context"
	"fmt"
	"time"

	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/rs/zerolog"
)

// RateLimiterConfig holds the sliding-window policy
type RateLimiterConfig struct {
	Window time.Duration
	// IPQuota applies to every client address; zero disables the IP counter
	IPQuota int
}

// Admission describes the binding counter after a decision
type Admission struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter admits requests against per-identity and per-IP sliding windows
type RateLimiter struct {
	store  counters.Store
	cfg    RateLimiterConfig
	sink   SecurityEventSink
	now    func() time.Time
	logger zerolog.Logger
}

// NewRateLimiter creates a limiter over store
func NewRateLimiter(store counters.Store, cfg RateLimiterConfig, sink SecurityEventSink) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		store:  store,
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		logger: logging.NewLogger("rate_limiter"),
	}
}

// Store exposes the counter store for the sweeper
func (rl *RateLimiter) Store() counters.Store {
	return rl.store
}

// Check admits one request for key against quota
func (rl *RateLimiter) Check(ctx context.Context, key string, quota int) (counters.Decision, error) {
	d, err := rl.store.Admit(ctx, key, quota, rl.cfg.Window, rl.now())
	if err != nil {
		if ctx.Err() != nil {
			return counters.Decision{}, err
		}
		rl.logger.Error().Err(err).Str("key", key).Msg("counter store failed")
		return counters.Decision{}, fmt.Errorf("%w: %v", ErrUpstreamStoreUnavailable, err)
	}
	return d, nil
}

// Admit checks the identity's counter (when identity is non-nil) and the
// client IP counter. Both must pass; when the IP counter denies, the
// identity's admission is undone so a denied request counts nowhere.
func (rl *RateLimiter) Admit(ctx context.Context, identity *models.Identity, clientIP, path string) (Admission, error) {
	var (
		binding  counters.Decision
		keyAdmit *counters.Decision
		keyName  string
	)

	deny := func(subject string, d counters.Decision) (Admission, error) {
		Emit(ctx, rl.sink, models.SecurityEvent{
			Kind:     models.EventRateLimit,
			Outcome:  models.OutcomeDeny,
			Identity: subject,
			Reason:   ReasonCode(ErrRateLimitExceeded),
			ClientIP: clientIP,
			Path:     path,
			Detail:   map[string]string{"limit": fmt.Sprint(d.Limit)},
		})
		return Admission{Limit: d.Limit, RetryAfter: d.RetryAfter},
			&RetryError{Err: ErrRateLimitExceeded, RetryAfter: d.RetryAfter}
	}

	if identity != nil && identity.Quota > 0 {
		keyName = identity.RateKey()
		d, err := rl.Check(ctx, keyName, identity.Quota)
		if err != nil {
			return Admission{}, err
		}
		if !d.Allowed {
			return deny(keyName, d)
		}
		keyAdmit = &d
		binding = d
	}

	if clientIP != "" && rl.cfg.IPQuota > 0 {
		d, err := rl.Check(ctx, "ip:"+clientIP, rl.cfg.IPQuota)
		if err != nil || !d.Allowed {
			if keyAdmit != nil {
				if undoErr := rl.store.Undo(context.WithoutCancel(ctx), keyName, keyAdmit.Token); undoErr != nil {
					rl.logger.Warn().Err(undoErr).Str("key", keyName).Msg("failed to undo admission")
				}
			}
			if err != nil {
				return Admission{}, err
			}
			return deny("ip:"+clientIP, d)
		}
		if keyAdmit == nil || d.Remaining() < binding.Remaining() {
			binding = d
		}
	}

	return Admission{Limit: binding.Limit, Remaining: binding.Remaining()}, nil
}

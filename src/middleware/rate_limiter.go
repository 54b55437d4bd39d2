package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/services"
	"golang.org/x/time/rate"
)

// RateLimit admits requests through the sliding-window limiter: the
// identity's quota when one was resolved, and always the client IP quota.
func RateLimit(rl *services.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		adm, err := rl.Admit(c.Request.Context(), GetIdentity(c), c.ClientIP(), c.Request.URL.Path)
		if adm.Limit > 0 {
			c.Header(models.HeaderRateLimit, strconv.Itoa(adm.Limit))
			c.Header(models.HeaderRateRemaining, strconv.Itoa(adm.Remaining))
		}
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// limiterEntry holds a rate limiter with last used timestamp
type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// IPThrottle is a per-client-IP token bucket for credential endpoints
type IPThrottle struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	sink     services.SecurityEventSink
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIPThrottle allows perMinute attempts per IP with the given burst and
// starts the idle-entry cleanup loop
func NewIPThrottle(perMinute, burst int, sink services.SecurityEventSink) *IPThrottle {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = perMinute
	}
	t := &IPThrottle{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		idle:     10 * time.Minute,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

func (t *IPThrottle) getLimiter(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.limiters[ip]; ok {
		entry.lastUsed = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(t.limit, t.burst)
	t.limiters[ip] = &limiterEntry{limiter: limiter, lastUsed: time.Now()}
	return limiter
}

// cleanupLoop removes stale entries every 5 minutes
func (t *IPThrottle) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

// Sweep removes entries idle since before now minus the idle period
func (t *IPThrottle) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.idle)
	removed := 0
	for ip, entry := range t.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(t.limiters, ip)
			removed++
		}
	}
	return removed
}

// Stop terminates the cleanup goroutine
func (t *IPThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Handler rejects the request with 429 when the IP's bucket is empty
func (t *IPThrottle) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		r := t.getLimiter(ip).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			services.Emit(c.Request.Context(), t.sink, models.SecurityEvent{
				Kind:     models.EventRateLimit,
				Outcome:  models.OutcomeDeny,
				Identity: "ip:" + ip,
				Reason:   services.ReasonCode(services.ErrRateLimitExceeded),
				ClientIP: ip,
				Path:     c.Request.URL.Path,
			})
			AbortWithError(c, &services.RetryError{Err: services.ErrRateLimitExceeded, RetryAfter: delay})
			return
		}
		c.Next()
	}
}

// Package counters holds the sliding-window counter stores used for
// admission control. Every store is linearizable per key.
package counters

import (
	"context"
	"time"
)

// Decision is the outcome of a single admission attempt
type Decision struct {
	Allowed bool
	// Count is the number of admitted entries in the window after this decision
	Count      int
	Limit      int
	RetryAfter time.Duration
	// Token identifies the recorded entry so it can be undone
	Token string
}

// Remaining returns how many more requests the window would admit
func (d Decision) Remaining() int {
	if r := d.Limit - d.Count; r > 0 {
		return r
	}
	return 0
}

// Store records admitted requests in a trailing window.
// Admit counts entries in (now-window, now]; only admitted requests are recorded.
type Store interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
	// Undo removes a previously admitted entry identified by token
	Undo(ctx context.Context, key, token string) error
}

// Sweeper is implemented by stores that need periodic eviction
type Sweeper interface {
	Sweep(now time.Time) int
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/khabaroff/gatekeeper/src/repositories/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupService_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	nonces := NewNonceCache()
	nonces.CheckAndStore("old", clock.Now().Add(-time.Second), clock.Now().Add(-time.Minute))
	nonces.CheckAndStore("live", clock.Now().Add(time.Minute), clock.Now())

	store := counters.NewMemoryStore()
	_, err := store.Admit(ctx, "k", 10, time.Minute, clock.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	keys := memory.NewKeyStore()
	require.NoError(t, keys.AppendUsage(ctx, &models.UsageRecord{KeyID: "a", Timestamp: clock.Now().Add(-100 * 24 * time.Hour)}))
	require.NoError(t, keys.AppendUsage(ctx, &models.UsageRecord{KeyID: "a", Timestamp: clock.Now()}))

	cs := NewCleanupService(true, time.Minute)
	cs.now = clock.Now
	cs.Register("nonces", nonces)
	cs.Register("counters", store)
	cs.PruneUsage(keys, 90*24*time.Hour)

	removed := cs.RunOnce(ctx)
	assert.Equal(t, 1, removed["nonces"])
	assert.Equal(t, 1, removed["counters"])
	assert.Equal(t, 1, removed["usage"])
	assert.Equal(t, 1, nonces.Len())

	usage, err := keys.ListUsage(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
}

func TestCleanupService_StartStop(t *testing.T) {
	cs := NewCleanupService(true, 10*time.Millisecond)
	nonces := NewNonceCache()
	nonces.CheckAndStore("x", time.Now().Add(-time.Second), time.Now().Add(-time.Minute))
	cs.Register("nonces", nonces)

	cs.Start(context.Background())
	assert.Eventually(t, func() bool { return nonces.Len() == 0 }, time.Second, 5*time.Millisecond)
	cs.Stop()

	disabled := NewCleanupService(false, time.Minute)
	disabled.Start(context.Background())
	disabled.Stop()
}

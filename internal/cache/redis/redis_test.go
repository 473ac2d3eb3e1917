package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// newTestClient connects to POLYRESOLVE_TEST_REDIS_ADDR under a fresh key
// prefix, or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYRESOLVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYRESOLVE_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(newTestClient(t))

	unlock, err := lm.Acquire(ctx, "market:m1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "market:m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "market:m1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMarketCache(t *testing.T) {
	ctx := context.Background()
	mc := NewMarketCache(newTestClient(t), 0)

	_, err := mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m := domain.Market{ID: "m1", Side1Label: "Yes", Side2Label: "No", ResolutionWindowHours: 24, BondAmount: decimal.RequireFromString("100")}
	require.NoError(t, mc.Set(ctx, m))

	got, err := mc.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "No", got.Side2Label)
	assert.True(t, got.BondAmount.Equal(m.BondAmount))

	require.NoError(t, mc.Invalidate(ctx, "m1"))
	_, err = mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newTestClient(t))

	for range 3 {
		ok, err := rl.Allow(ctx, "user:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "user:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "user:u2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	sb := NewSignalBus(newTestClient(t))

	require.NoError(t, sb.StreamAppend(ctx, "resolution-events", []byte(`{"type":"market_final"}`)))
	msgs, err := sb.StreamRead(ctx, "resolution-events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"type":"market_final"}`, string(msgs[0].Payload))

	// Resuming from the last id yields nothing new.
	msgs, err = sb.StreamRead(ctx, "resolution-events", msgs[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIsPattern(t *testing.T) {
	assert.True(t, isPattern("resolution*"))
	assert.False(t, isPattern("resolution"))
}

func TestEntryPayload(t *testing.T) {
	b, ok := entryPayload(map[string]any{transitionField: `{"a":1}`})
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(b))

	_, ok = entryPayload(map[string]any{"other": "x"})
	assert.False(t, ok)
}

package usage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(rdb, 15*time.Second, 5*time.Second, logger), mr
}

func TestColdCacheIsUnknown(t *testing.T) {
	tr, _ := newTestTracker(t)

	_, err := tr.ProviderUsage(context.Background(), 1, 7, 3)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestWarmThenRead(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	ok, err := tr.TryWarm(ctx, 1, 7, map[int32]int64{3: 42, 4: 0})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := tr.ProviderUsage(ctx, 1, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	// Warmed but never written reads as zero.
	n, err = tr.ProviderUsage(ctx, 1, 7, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestWarmLockIsExclusive(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("usage_warm_lock:1:7", "1"))

	ok, err := tr.TryWarm(ctx, 1, 7, map[int32]int64{3: 5})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tr.ProviderUsage(ctx, 1, 7, 3)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestIncrAfterWarm(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.TryWarm(ctx, 1, 7, map[int32]int64{3: 10})
	require.NoError(t, err)

	tr.Incr(ctx, 1, 7, 3)
	tr.Incr(ctx, 1, 7, 3)

	n, err := tr.ProviderUsage(ctx, 1, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestCountersExpire(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.TryWarm(ctx, 1, 7, map[int32]int64{3: 10})
	require.NoError(t, err)

	mr.FastForward(16 * time.Second)

	_, err = tr.ProviderUsage(ctx, 1, 7, 3)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestCooldown(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	assert.False(t, tr.InCooldown(ctx, 1, "+79991234567"))

	tr.SetCooldown(ctx, 1, "+79991234567", 90*time.Second)
	assert.True(t, tr.InCooldown(ctx, 1, "+79991234567"))

	// Scoped per service.
	assert.False(t, tr.InCooldown(ctx, 2, "+79991234567"))

	mr.FastForward(91 * time.Second)
	assert.False(t, tr.InCooldown(ctx, 1, "+79991234567"))
}

func TestPendingMarker(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	assert.False(t, tr.HasPending(ctx, "+79991234567"))

	tr.MarkPending(ctx, "+79991234567", 1001, 5*time.Second)
	assert.True(t, tr.HasPending(ctx, "+79991234567"))

	tr.ClearPending(ctx, "+79991234567")
	assert.False(t, tr.HasPending(ctx, "+79991234567"))
}

func TestRedisDownDegradesGracefully(t *testing.T) {
	tr, mr := newTestTracker(t)
	mr.Close()
	ctx := context.Background()

	assert.False(t, tr.InCooldown(ctx, 1, "+79991234567"))
	assert.False(t, tr.HasPending(ctx, "+79991234567"))

	_, err := tr.ProviderUsage(ctx, 1, 7, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknown)
}

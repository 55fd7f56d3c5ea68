package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)

	c, err := New(Config{Addr: srv.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, srv
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSetAndGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	response := map[string]any{"score": 82.5, "tier": "hot"}
	key := Key("scorer", map[string]any{"lead_id": "L-1"})

	require.NoError(t, c.Set(ctx, key, response, 0))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, response, got)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "toolhub:response:absent:deadbeef")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestTTLExpiry(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	key := Key("scorer", map[string]any{"lead_id": "L-2"})
	require.NoError(t, c.Set(ctx, key, map[string]any{"v": 1.0}, 10*time.Second))

	// miniredis advances time manually.
	srv.FastForward(11 * time.Second)

	_, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestKeyStability(t *testing.T) {
	a := Key("scorer", map[string]any{"lead_id": "L-1", "extra": 1})
	b := Key("scorer", map[string]any{"lead_id": "L-1", "extra": 1})
	assert.Equal(t, a, b, "identical inputs must produce identical keys")

	c := Key("scorer", map[string]any{"lead_id": "L-2", "extra": 1})
	assert.NotEqual(t, a, c)

	d := Key("other", map[string]any{"lead_id": "L-1", "extra": 1})
	assert.NotEqual(t, a, d)

	assert.Contains(t, a, "toolhub:response:scorer:")
}

func TestClosedCacheRejectsOperations(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), "k", map[string]any{}, 0))

	// Closing twice is safe.
	assert.NoError(t, c.Close())
}

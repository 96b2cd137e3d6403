package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nefrit/internal/config"
)

func setupRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := NewRedis(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisClient_GetSetDel(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)

	require.NoError(t, c.Ping(ctx))

	_, err := c.Get(ctx, "sub:u1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "sub:u1", "dmxlc3M6Ly8=", 5*time.Minute))
	v, err := c.Get(ctx, "sub:u1")
	require.NoError(t, err)
	assert.Equal(t, "dmxlc3M6Ly8=", v)
	assert.Equal(t, 5*time.Minute, mr.TTL("sub:u1"))

	require.NoError(t, c.Del(ctx, "sub:u1", "sub:missing"))
	assert.False(t, mr.Exists("sub:u1"))
	assert.NoError(t, c.Del(ctx))
}

func TestRedisClient_Expiry(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisClient_PingFails(t *testing.T) {
	c, mr := setupRedis(t)
	mr.Close()

	err := c.Ping(context.Background())
	assert.ErrorContains(t, err, "redis ping failed")
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c Cache = Nop{}

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, c.Del(ctx, "k"))
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimer(t *testing.T) {
	c := NewMemoryClaimer()
	defer c.Close()
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	ok, err := c.Claim(ctx, "p-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "p-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	now = now.Add(2 * time.Minute)
	ok, err = c.Claim(ctx, "p-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims can be retaken")

	require.NoError(t, c.Release(ctx, "p-1"))
	assert.Equal(t, 0, c.Len())

	c.removeExpired()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestRedisClaimer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisClaimer(client, "")
	b := NewRedisClaimer(client, "")

	ok, err := a.Claim(ctx, "drain", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(DefaultKeyPrefix+":drain"))

	ok, err = b.Claim(ctx, "drain", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the claim, so its release leaves it in place.
	require.NoError(t, b.Release(ctx, "drain"))
	assert.True(t, mr.Exists(DefaultKeyPrefix+":drain"))

	require.NoError(t, a.Release(ctx, "drain"))
	assert.False(t, mr.Exists(DefaultKeyPrefix+":drain"))

	ok, err = b.Claim(ctx, "drain", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = a.Claim(ctx, "drain", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimerUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisClaimer(client, "x").Claim(context.Background(), "k", time.Second)
	assert.Error(t, err)
}

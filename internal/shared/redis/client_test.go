package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestCheckRateLimit(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	exceeded, remaining, err := c.CheckRateLimit(ctx, "10.0.0.1", 2)
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 1, remaining)

	exceeded, remaining, err = c.CheckRateLimit(ctx, "10.0.0.1", 2)
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 0, remaining)

	exceeded, _, err = c.CheckRateLimit(ctx, "10.0.0.1", 2)
	require.NoError(t, err)
	assert.True(t, exceeded)

	// other clients have their own window
	exceeded, _, err = c.CheckRateLimit(ctx, "10.0.0.2", 2)
	require.NoError(t, err)
	assert.False(t, exceeded)

	assert.Equal(t, time.Minute, mr.TTL(rateLimitPrefix+"10.0.0.1"))
	mr.FastForward(time.Minute)

	exceeded, remaining, err = c.CheckRateLimit(ctx, "10.0.0.1", 2)
	require.NoError(t, err)
	assert.False(t, exceeded)
	assert.Equal(t, 1, remaining)
}

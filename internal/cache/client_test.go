package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewClientWithOptions(context.Background(), rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, mr
}

func TestLock_AcquireAndRelease(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "client:1", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "client:1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing with the wrong token is a no-op.
	require.NoError(t, c.ReleaseLock(ctx, "client:1", "b"))
	ok, err = c.AcquireLock(ctx, "client:1", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "client:1", "a"))
	ok, err = c.AcquireLock(ctx, "client:1", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_Expires(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "client:2", "a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	ok, err = c.AcquireLock(ctx, "client:2", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckRateLimit(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := c.CheckRateLimit(ctx, "tenant-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, err := c.CheckRateLimit(ctx, "tenant-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = c.CheckRateLimit(ctx, "tenant-b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestIdempotentResult(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	got, err := c.GetIdempotentResult(ctx, "t1", "MPESA-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := c.SetIdempotentResult(ctx, "t1", "MPESA-1", []byte(`{"ok":true}`), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.SetIdempotentResult(ctx, "t1", "MPESA-1", []byte(`{"ok":false}`), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	got, err = c.GetIdempotentResult(ctx, "t1", "MPESA-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

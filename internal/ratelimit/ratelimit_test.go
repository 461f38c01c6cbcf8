package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLimiterBurstIsImmediate(t *testing.T) {
	l := NewHostLimiter(time.Hour, 2, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "store.steampowered.com"))
	require.NoError(t, l.Wait(ctx, "store.steampowered.com"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHostLimiterHostsAreIndependent(t *testing.T) {
	l := NewHostLimiter(time.Hour, 1, 0)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "store.steampowered.com"))
	require.NoError(t, l.Wait(ctx, "www.amazon.co.uk"))
	assert.Equal(t, 2, l.Hosts())
}

func TestHostLimiterRespectsContext(t *testing.T) {
	l := NewHostLimiter(time.Hour, 1, 0)
	require.NoError(t, l.Wait(context.Background(), "www.debenhams.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, l.Wait(ctx, "www.debenhams.com"))
}

func TestHostLimiterDisabled(t *testing.T) {
	l := NewHostLimiter(0, 1, time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), "example.com"))
	}
	assert.Equal(t, 0, l.Hosts())
}

func TestHostLimiterSetInterval(t *testing.T) {
	l := NewHostLimiter(time.Hour, 1, 0)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "example.com"))
	l.SetInterval(time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, l.Wait(waitCtx, "example.com"))
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, Unlimited{}.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Unlimited{}.Wait(ctx, "example.com"), context.Canceled)
}

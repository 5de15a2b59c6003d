package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg map[Class]BucketConfig) (*Limiter, *time.Time, *[]time.Duration) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var slept []time.Duration

	l := New(cfg)
	l.now = func() time.Time { return now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	// rebuild buckets so lastRefill matches the fake clock
	for _, b := range l.buckets {
		b.lastRefill = now
	}
	return l, &now, &slept
}

func TestAcquireWithinBurst(t *testing.T) {
	l, _, slept := newTestLimiter(t, map[Class]BucketConfig{
		ClassOrderWrite: {RefillPerSecond: 2, Burst: 5},
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	}
	require.Empty(t, *slept, "calls within burst must not sleep")
}

func TestAcquireDelaysWhenExhausted(t *testing.T) {
	l, _, slept := newTestLimiter(t, map[Class]BucketConfig{
		ClassOrderWrite: {RefillPerSecond: 2, Burst: 2},
	})

	require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	require.Empty(t, *slept)

	// third call overdraws the bucket by one token at 2 tokens/sec
	require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	require.Len(t, *slept, 1)
	require.Equal(t, 500*time.Millisecond, (*slept)[0])

	// queued demand accumulates, each extra call waits another half second
	require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	require.Len(t, *slept, 2)
	require.Equal(t, time.Second, (*slept)[1])
}

func TestRefillIsCappedAtBurst(t *testing.T) {
	l, now, slept := newTestLimiter(t, map[Class]BucketConfig{
		ClassPublic: {RefillPerSecond: 10, Burst: 3},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), ClassPublic))
	}

	// a long idle period refills at most to capacity
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), ClassPublic))
	}
	require.Empty(t, *slept)

	require.NoError(t, l.Acquire(context.Background(), ClassPublic))
	require.Len(t, *slept, 1, "fourth call after refill must wait")
}

func TestPartialRefill(t *testing.T) {
	l, now, slept := newTestLimiter(t, map[Class]BucketConfig{
		ClassPrivateRead: {RefillPerSecond: 1, Burst: 1},
	})

	require.NoError(t, l.Acquire(context.Background(), ClassPrivateRead))

	*now = now.Add(400 * time.Millisecond)
	require.NoError(t, l.Acquire(context.Background(), ClassPrivateRead))
	require.Len(t, *slept, 1)
	require.Equal(t, 600*time.Millisecond, (*slept)[0])
}

func TestUnknownClassNeverBlocks(t *testing.T) {
	l, _, slept := newTestLimiter(t, map[Class]BucketConfig{})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))
	}
	require.Empty(t, *slept)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(map[Class]BucketConfig{
		ClassOrderWrite: {RefillPerSecond: 0.001, Burst: 1},
	})

	require.NoError(t, l.Acquire(context.Background(), ClassOrderWrite))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, ClassOrderWrite)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassString(t *testing.T) {
	require.Equal(t, "public", ClassPublic.String())
	require.Equal(t, "private_read", ClassPrivateRead.String())
	require.Equal(t, "order_write", ClassOrderWrite.String())
}

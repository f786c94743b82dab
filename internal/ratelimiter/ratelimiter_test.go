package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		rps       uint
		burst     uint
		unlimited bool
		tokens    float64
	}{
		{"Unlimited", 0, 0, true, 0},
		{"UnlimitedIgnoresBurst", 0, 50, true, 0},
		{"ExplicitBurst", 10, 20, false, 20},
		{"DefaultBurst", 25, 0, false, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rps, tt.burst)
			require.NotNil(t, l)
			assert.Equal(t, tt.unlimited, l.Unlimited())
			if !tt.unlimited {
				assert.InDelta(t, tt.tokens, l.Tokens(), 0.5)
			}
		})
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := New(10, 5)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(), "request %d is within the burst", i)
	}
	assert.False(t, l.Allow())

	// One token refills every 100ms.
	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.Allow())
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	l := New(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 10000; i++ {
		require.True(t, l.Allow())
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitBlocksForToken(t *testing.T) {
	l := New(10, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.Error(t, l.Wait(cancelled))
}

func BenchmarkAllowParallel(b *testing.B) {
	l := New(1_000_000, 1_000_000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Allow()
		}
	})
}

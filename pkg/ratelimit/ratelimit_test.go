package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWaitWithinLimit(t *testing.T) {
	limiter := New(zap.NewNop())
	limiter.SetRule(ScopeGlobal, 3, time.Second)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(context.Background(), ScopeGlobal))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond, "calls within the limit must not block")
}

func TestWaitUnknownScope(t *testing.T) {
	limiter := New(zap.NewNop())

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background(), "unconfigured"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitBlocksWhenWindowFull(t *testing.T) {
	limiter := New(zap.NewNop())
	period := 300 * time.Millisecond
	limiter.SetRule(ScopeTorrent, 1, period)

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), ScopeTorrent))
	require.NoError(t, limiter.Wait(context.Background(), ScopeTorrent))
	require.GreaterOrEqual(t, time.Since(start), period, "second call must wait for the window to clear")
}

// Six concurrent calls against a "3 per window" rule: three pass in the first
// window, the other three only after the first window ended.
func TestWaitConcurrent(t *testing.T) {
	limiter := New(zap.NewNop())
	period := 500 * time.Millisecond
	limiter.SetRule(ScopeGlobal, 3, period)

	start := time.Now()
	durations := make([]time.Duration, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, limiter.Wait(context.Background(), ScopeGlobal))
			durations[i] = time.Since(start)
		}(i)
	}
	wg.Wait()

	var fast, slow int
	for _, d := range durations {
		if d < period {
			fast++
		} else {
			slow++
		}
	}
	require.Equal(t, 3, fast)
	require.Equal(t, 3, slow)
}

func TestWaitCancellation(t *testing.T) {
	limiter := New(zap.NewNop())
	limiter.SetRule(ScopeGlobal, 1, time.Hour)
	require.NoError(t, limiter.Wait(context.Background(), ScopeGlobal))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, ScopeGlobal)
	require.Error(t, err)
	require.Equal(t, context.DeadlineExceeded, err)
}

package politeness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWait_PerHostSpacing(t *testing.T) {
	t.Parallel()

	// 20 RPS and burst 1: the second request to the same host waits ~50ms.
	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWait_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/page"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/page"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWait_ZeroRPSIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com/"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWait_CanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "https://example.com/"))

	cancel()
	require.Error(t, l.Wait(ctx, "https://example.com/"))
}

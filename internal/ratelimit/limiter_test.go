package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(cfg Config) (*Limiter, *clock.Manual) {
	clk := clock.NewManual(t0)
	return New(cfg, WithClock(clk)), clk
}

func TestAdmit_WindowCorrectness(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Minute, MaxRequests: 15, ViolationThreshold: 10})

	for i := 0; i < 15; i++ {
		d := l.Admit("client")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 15-(i+1), d.Remaining)
		assert.Equal(t, t0.Add(time.Minute), d.ResetAt)
		clk.Advance(time.Second)
	}

	d := l.Admit("client")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, t0.Add(time.Minute), d.ResetAt)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
}

func TestAdmit_WindowSlides(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Minute, MaxRequests: 3, ViolationThreshold: 10})

	for i := 0; i < 3; i++ {
		require.True(t, l.Admit("client").Allowed)
	}
	assert.False(t, l.Admit("client").Allowed)

	clk.Advance(time.Minute)

	d := l.Admit("client")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, t0.Add(2*time.Minute), d.ResetAt)
}

func TestAdmit_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1})

	assert.True(t, l.Admit("a").Allowed)
	assert.False(t, l.Admit("a").Allowed)
	assert.True(t, l.Admit("b").Allowed)
}

func TestAdmit_BlacklistEscalation(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Window:             time.Minute,
		MaxRequests:        2,
		ViolationThreshold: 3,
		BlacklistDuration:  10 * time.Minute,
	})

	l.Admit("abuser")
	l.Admit("abuser")

	for i := 0; i < 3; i++ {
		d := l.Admit("abuser")
		require.Equal(t, ReasonRateLimited, d.Reason, "violation %d", i+1)
	}

	d := l.Admit("abuser")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlacklisted, d.Reason)
	assert.Equal(t, t0.Add(10*time.Minute), d.ResetAt)
	assert.True(t, l.Blacklisted("abuser"))

	// a fresh window does not lift the blacklist
	clk.Advance(5 * time.Minute)
	d = l.Admit("abuser")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlacklisted, d.Reason)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)

	clk.Advance(5 * time.Minute)
	d = l.Admit("abuser")
	assert.True(t, d.Allowed)
	assert.False(t, l.Blacklisted("abuser"))
}

func TestAdmit_BlacklistDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1, ViolationThreshold: 0})

	l.Admit("client")
	for i := 0; i < 50; i++ {
		assert.Equal(t, ReasonRateLimited, l.Admit("client").Reason)
	}
}

func TestAdmit_QuietWindowForgivesViolations(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1, ViolationThreshold: 2})

	l.Admit("client")
	l.Admit("client")
	l.Admit("client")

	clk.Advance(time.Minute)
	require.True(t, l.Admit("client").Allowed)

	assert.Equal(t, ReasonRateLimited, l.Admit("client").Reason)
	assert.Equal(t, ReasonRateLimited, l.Admit("client").Reason)
	assert.Equal(t, ReasonBlacklisted, l.Admit("client").Reason)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Minute, MaxRequests: 1, ViolationThreshold: 1})

	l.Admit("client")
	l.Admit("client")
	require.Equal(t, ReasonBlacklisted, l.Admit("client").Reason)

	l.Reset("client")

	assert.False(t, l.Blacklisted("client"))
	assert.True(t, l.Admit("client").Allowed)
}

func TestSweep(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Window:             time.Minute,
		MaxRequests:        1,
		ViolationThreshold: 1,
		BlacklistDuration:  2 * time.Minute,
	})

	l.Admit("idle")
	clk.Advance(4 * time.Minute)
	l.Admit("active")
	l.Admit("blocked")
	l.Admit("blocked")
	l.Admit("blocked")
	require.True(t, l.Blacklisted("blocked"))

	clk.Advance(2*time.Minute + time.Second)

	removed := l.Sweep()
	assert.Equal(t, 1, removed)

	stats := l.Stats()
	assert.Equal(t, 2, stats.ActiveClients)
	assert.Equal(t, 0, stats.BlacklistedClients)
	assert.Empty(t, l.blacklist)
}

func TestStats(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Minute, MaxRequests: 2, ViolationThreshold: 10})

	l.Admit("a")
	l.Admit("a")
	l.Admit("a")
	l.Admit("b")
	clk.Advance(10 * time.Second)

	s := l.Stats()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(1), s.BlockedRequests)
	assert.InDelta(t, 25.0, s.BlockRate, 0.001)
	assert.Equal(t, 2, s.ActiveClients)
	assert.InDelta(t, 0.4, s.RequestsPerSecond, 0.001)
	assert.Equal(t, int64(60), s.WindowSeconds)
	assert.Equal(t, int64(10), s.UptimeSeconds)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := New(Config{Window: time.Minute, MaxRequests: 1},
		WithClock(clock.NewManual(t0)),
		WithRegisterer(reg),
		WithName("login"))

	l.Admit("a")
	l.Admit("a")

	assert.Equal(t, 1.0, testutil.ToFloat64(l.decisions.WithLabelValues("allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.decisions.WithLabelValues("rate_limited")))

	count, err := testutil.GatherAndCount(reg, "askgate_ratelimit_active_clients")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStartSweeper_StopsWithContext(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	l.StartSweeper(ctx, time.Millisecond)
	l.StartSweeper(ctx, time.Millisecond)
	cancel()
}

func TestClientKey(t *testing.T) {
	key := ClientKey("1.2.3.4", "Mozilla/5.0")

	assert.True(t, strings.HasPrefix(key, "1.2.3.4_"))
	assert.Len(t, strings.TrimPrefix(key, "1.2.3.4_"), 16)
	assert.Equal(t, key, ClientKey("1.2.3.4", "Mozilla/5.0"))
	assert.NotEqual(t, key, ClientKey("1.2.3.4", "curl/8.0"))
	assert.True(t, strings.HasPrefix(ClientKey("", ""), "unknown_"))
}

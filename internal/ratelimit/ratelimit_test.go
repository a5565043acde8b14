package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-run/gatewaycore/internal/cache"
	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

func TestAllowPermitsBurstThenDenies121st(t *testing.T) {
	c := cache.NewInProcessCache()
	l := New(c, gatewayconfig.RateLimitConfig{RequestsPerMinute: 60, Burst: 120})

	for i := 0; i < 120; i++ {
		res, err := l.Allow(context.Background(), "t1", "k1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed within burst", i+1)
	}

	res, err := l.Allow(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.False(t, res.Allowed, "121st request should be denied")
	require.Greater(t, res.RetryAfter.Seconds(), 0.0)
}

func TestAllowIsolatedPerTenantAndKey(t *testing.T) {
	c := cache.NewInProcessCache()
	l := New(c, gatewayconfig.RateLimitConfig{RequestsPerMinute: 60, Burst: 1})

	res1, err := l.Allow(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.True(t, res1.Allowed)

	res2, err := l.Allow(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.False(t, res2.Allowed)

	res3, err := l.Allow(context.Background(), "t2", "k2")
	require.NoError(t, err)
	require.True(t, res3.Allowed, "distinct tenant should have its own bucket")
}

func TestAllowJobUsesSeparateHigherLimit(t *testing.T) {
	c := cache.NewInProcessCache()
	l := New(c, gatewayconfig.RateLimitConfig{RequestsPerMinute: 60, Burst: 1, JobsPerMinute: 20})

	res, err := l.Allow(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	denied, err := l.Allow(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.False(t, denied.Allowed, "chat bucket should now be exhausted")

	jobRes, err := l.AllowJob(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.True(t, jobRes.Allowed, "job bucket is independent of the chat bucket")
}

func TestRetryAfterHeaderIsAtLeastOneSecond(t *testing.T) {
	require.Equal(t, "1", RetryAfterHeader(Result{Allowed: false, RetryAfter: 0}))
}

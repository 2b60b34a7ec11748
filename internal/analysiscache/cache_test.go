package analysiscache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(kv.NewRedisStore(client))
}

func TestNormalizePath_ReplacesUUIDsBeforeNumbers(t *testing.T) {
	require.Equal(t, "/api/users/:uuid", NormalizePath("/api/users/550e8400-e29b-41d4-a716-446655440000"))
	require.Equal(t, "/api/users/:id", NormalizePath("/api/users/42"))
	require.Equal(t, "/api/users/:id/orders/:id", NormalizePath("/api/users/42/orders/7"))
}

func TestKey_SeparatesByReputationBucket(t *testing.T) {
	k1 := Key("GET", "/api/users", `{}`, gazmodels.BucketTrusted)
	k2 := Key("GET", "/api/users", `{}`, gazmodels.BucketUntrusted)
	require.NotEqual(t, k1, k2, "cache key must be partitioned by reputation bucket to prevent cache poisoning")
}

func TestCache_GetMiss_ThenSetThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "GET", "/api/users", `{}`, gazmodels.BucketHigh)
	require.NoError(t, err)
	require.False(t, ok)

	result := &gazmodels.AnalysisResult{IsMalicious: false, RiskScore: 5, SuggestedAction: gazmodels.ActionAllow}
	require.NoError(t, c.Set(ctx, "GET", "/api/users", `{}`, gazmodels.BucketHigh, result))

	got, ok, err := c.Get(ctx, "GET", "/api/users", `{}`, gazmodels.BucketHigh)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result.RiskScore, got.RiskScore)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Sets)
	require.InDelta(t, 0.5, stats.HitRate(), 0.0001)
}

func TestCache_InvalidateAll_RemovesEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	result := &gazmodels.AnalysisResult{SuggestedAction: gazmodels.ActionAllow}
	require.NoError(t, c.Set(ctx, "GET", "/api/a", `{}`, gazmodels.BucketHigh, result))
	require.NoError(t, c.Set(ctx, "POST", "/api/b", `{}`, gazmodels.BucketLow, result))

	n, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, err := c.Get(ctx, "GET", "/api/a", `{}`, gazmodels.BucketHigh)
	require.NoError(t, err)
	require.False(t, ok)
}

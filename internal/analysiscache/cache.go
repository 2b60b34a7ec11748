// Package analysiscache memoizes IntentAnalyzer verdicts so that
// repeated identical requests don't re-pay the LLM round trip. Grounded
// in the teacher's internal/cache.RedisCache key-hashing approach,
// generalized with the reputation-bucket partition spec §4.4 requires to
// prevent a compromised high-reputation agent's cached "safe" verdict
// from being served to a low-reputation one.
package analysiscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const cacheTTL = 30 * time.Minute

var (
	uuidPattern   = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numericSegRe  = regexp.MustCompile(`/\d+`)
)

// NormalizePath replaces UUID path segments with ":uuid" and then
// numeric segments with ":id". Order matters: UUIDs contain digits, so
// running the numeric pass first would shred them first.
func NormalizePath(path string) string {
	path = uuidPattern.ReplaceAllString(path, ":uuid")
	path = numericSegRe.ReplaceAllString(path, "/:id")
	return path
}

// Key computes the cache key for one (method, path, body, reputation
// bucket) tuple per spec §4.4.
func Key(method, path, body string, bucket gazmodels.ReputationBucket) string {
	bodyHash := sha256.Sum256([]byte(body))
	composite := method + "|" + NormalizePath(path) + "|" + hex.EncodeToString(bodyHash[:]) + "|" + string(bucket)
	sum := sha256.Sum256([]byte(composite))
	return "analysis:" + hex.EncodeToString(sum[:])
}

// Stats are the cumulative counters spec §4.4 requires.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// HitRate returns hits / (hits + misses), or 0 when nothing has been
// looked up yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the AnalysisCache component from spec §4.4.
type Cache struct {
	kv     kv.Store
	hits   int64
	misses int64
	sets   int64
}

// New wires a Cache to the shared KV store.
func New(store kv.Store) *Cache {
	return &Cache{kv: store}
}

// Get looks up a cached verdict for the given request shape and
// reputation bucket.
func (c *Cache) Get(ctx context.Context, method, path, body string, bucket gazmodels.ReputationBucket) (*gazmodels.AnalysisResult, bool, error) {
	raw, ok, err := c.kv.Get(ctx, Key(method, path, body, bucket))
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.DatabaseError, "analysis cache lookup")
	}
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	var result gazmodels.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, apperrors.Wrap(err, apperrors.InternalError, "decode cached analysis")
	}
	atomic.AddInt64(&c.hits, 1)
	return &result, true, nil
}

// Set stores a verdict for the given request shape and reputation
// bucket with the fixed 30-minute TTL.
func (c *Cache) Set(ctx context.Context, method, path, body string, bucket gazmodels.ReputationBucket, result *gazmodels.AnalysisResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InternalError, "encode analysis for cache")
	}
	if err := c.kv.Set(ctx, Key(method, path, body, bucket), raw, cacheTTL); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "analysis cache write")
	}
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// InvalidateAll drops every cached entry, walking the keyspace with a
// non-blocking SCAN rather than a blocking KEYS.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	keys, err := c.kv.ScanKeys(ctx, "analysis:*")
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.DatabaseError, "scan analysis cache keys")
	}
	for _, k := range keys {
		if err := c.kv.Delete(ctx, k); err != nil {
			return 0, apperrors.Wrap(err, apperrors.DatabaseError, "delete analysis cache key")
		}
	}
	return len(keys), nil
}

// Stats returns a snapshot of the cumulative hit/miss/set counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Sets:   atomic.LoadInt64(&c.sets),
	}
}

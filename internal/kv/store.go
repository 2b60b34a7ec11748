// Package kv is the typed interface over the gateway's single
// shared-state authority: key/value with TTL, counters, capped lists,
// pub/sub, and the atomic scripted operations the pipeline needs
// (nonce set-if-absent, reputation read-modify-write). It has no
// sorted-set operations. Adapted from the
// teacher's internal/cache.RedisCache (the Get/Set/TTL shape) and
// internal/security.ReplayProtection/RateLimiter (the SetNX and counter
// idioms), generalized into one store instead of three ad hoc clients.
package kv

import (
	"context"
	"time"
)

// Store is the interface the rest of the gateway depends on. The only
// implementation is RedisStore; tests use a real miniredis-backed
// RedisStore rather than a hand-rolled fake, since the atomic
// guarantees (SetNX, Lua scripts) are the point being tested.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetIfAbsent implements the nonce replay guard: it writes value
	// under key only if key does not already exist, returning true if
	// the write happened (i.e. key was previously absent).
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr increments a counter key, setting ttl only on first creation,
	// and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ListPush appends value to the list at key and trims it to the
	// most recent maxLen entries.
	ListPush(ctx context.Context, key string, value []byte, maxLen int64) error
	// ListRange returns entries from the list at key, oldest first.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Publish sends payload on a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// ScanKeys returns every key matching pattern using non-blocking
	// SCAN, never a blocking KEYS.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// RunAtomic executes script against the given keys/args as a single
	// atomic server-side operation (a Lua EVAL in the Redis
	// implementation) and returns its raw result.
	RunAtomic(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

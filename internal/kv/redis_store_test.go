package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_GetSet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	val, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}

func TestRedisStore_SetIfAbsent_BlocksReplay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "nonce:fp:abc", []byte("used"), 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "nonce:fp:abc", []byte("used"), 60*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second set-if-absent on the same nonce must report replay")
}

func TestRedisStore_Incr_SetsTTLOnFirstWrite(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	v, err := s.Incr(ctx, "ratelimit:agent_1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = s.Incr(ctx, "ratelimit:agent_1", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	ttl := mr.TTL("ratelimit:agent_1")
	require.Greater(t, ttl, time.Duration(0))
}

func TestRedisStore_ListPush_TrimsToMaxLen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.ListPush(ctx, "agent:a1:history", []byte{byte('0' + i)}, 3))
	}

	vals, err := s.ListRange(ctx, "agent:a1:history", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	require.Equal(t, []byte{'2'}, vals[0])
	require.Equal(t, []byte{'4'}, vals[2])
}

func TestRedisStore_ScanKeys_FindsAllMatches(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(ctx, "analysis:"+string(rune('a'+i)), []byte("x"), time.Minute))
	}

	keys, err := s.ScanKeys(ctx, "analysis:*")
	require.NoError(t, err)
	require.Len(t, keys, 10)
}

func TestRedisStore_Publish_NoSubscriberDoesNotError(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Publish(context.Background(), "gazorpazorp:threats", []byte("{}")))
}

func TestRedisStore_RunAtomic_ExecutesScript(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	result, err := s.RunAtomic(ctx, `return redis.call("SET", KEYS[1], ARGV[1])`, []string{"scripted:key"}, "hello")
	require.NoError(t, err)
	require.Equal(t, "OK", result)

	val, ok, err := s.Get(ctx, "scripted:key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), val)
}

package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/common/redis"
)

const testPrefix = "test:cache:"

func newTestRedisStore(t *testing.T, algorithm string) (*RedisStore, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	codec, err := NewCodec(algorithm)
	require.NoError(t, err)

	clk := clock.NewFake(testStart)
	return NewRedisStore(client, testPrefix, codec, clk, zap.NewNop()), mr, clk
}

func TestRedisStoreSetGet(t *testing.T) {
	store, mr, _ := newTestRedisStore(t, CompressionLZ4)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("<p>content</p>"), 200)
	require.NoError(t, store.Set(ctx, "https://example.com/a", payload, 2*time.Minute))

	val, ok, err := store.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, val)

	entryKey := redis.CacheKey(testPrefix, "https://example.com/a")
	assert.True(t, mr.Exists(entryKey))
	assert.Equal(t, 2*time.Minute, mr.TTL(entryKey))
	assert.True(t, mr.Exists(redis.CacheIndexKey(testPrefix)))
}

func TestRedisStoreLogicalExpiryOnRead(t *testing.T) {
	store, _, clk := newTestRedisStore(t, CompressionNone)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	// Redis still holds the key; the injected clock decides
	clk.Advance(time.Minute)
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreEvictExpired(t *testing.T) {
	store, mr, clk := newTestRedisStore(t, CompressionNone)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "long", []byte("2"), 10*time.Minute))
	require.NoError(t, store.Set(ctx, "vanished", []byte("3"), 10*time.Minute))
	mr.Del(redis.CacheKey(testPrefix, "vanished"))

	n, err := store.EvictExpired(ctx, clk.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(redis.CacheKey(testPrefix, "short")))

	snap, err := store.Snapshot(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Size)
	assert.Equal(t, []string{"long"}, snap.SampleKeys)
}

func TestRedisStoreFlushAll(t *testing.T) {
	store, mr, _ := newTestRedisStore(t, CompressionSnappy)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))

	n, err := store.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(redis.CacheIndexKey(testPrefix)))

	n, err = store.FlushAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStoreCorruptEntry(t *testing.T) {
	store, mr, _ := newTestRedisStore(t, CompressionNone)
	require.NoError(t, mr.Set(redis.CacheKey(testPrefix, "bad"), "x"))

	_, ok, err := store.Get(context.Background(), "bad")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestNewStore(t *testing.T) {
	clk := clock.NewFake(testStart)

	store, err := NewStore(configtypes.CacheConfig{Backend: "memory", Compression: "snappy"}, nil, clk, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = NewStore(configtypes.CacheConfig{Backend: "redis"}, nil, clk, zap.NewNop())
	assert.Error(t, err)

	_, err = NewStore(configtypes.CacheConfig{Backend: "memcached"}, nil, clk, zap.NewNop())
	assert.Error(t, err)
}

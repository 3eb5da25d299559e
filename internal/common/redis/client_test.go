package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name      string
		config    *configtypes.RedisConfig
		errorText string
	}{
		{name: "nil config", config: nil, errorText: "redis config is required"},
		{name: "invalid address", config: &configtypes.RedisConfig{Addr: "invalid:99999"}, errorText: "failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorText)
			assert.Nil(t, client)
		})
	}
}

func TestClientGetSetDel(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	val, err := client.GetBytes(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, client.Set(ctx, "k", []byte("v"), time.Minute))
	val, err = client.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	n, err := client.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.Del(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClientSetIndexed(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetIndexed(ctx, "p:e:1", []byte("a"), time.Minute, "p:index", "https://example.com/a"))
	require.NoError(t, client.SetIndexed(ctx, "p:e:2", []byte("b"), time.Minute, "p:index", "https://example.com/b"))

	all, err := client.HGetAll(ctx, "p:index")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "https://example.com/a", all["p:e:1"])

	mr.FastForward(2 * time.Minute)
	exists, err := client.ExistsEach(ctx, []string{"p:e:1", "p:e:2"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, exists)

	require.NoError(t, client.HDel(ctx, "p:index", "p:e:1"))
	all, err = client.HGetAll(ctx, "p:index")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClientHealthCheck(t *testing.T) {
	client, mr := setupClient(t)
	require.NoError(t, client.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("solver:cache:", "https://example.com/a")
	b := CacheKey("solver:cache:", "https://example.com/a")
	c := CacheKey("solver:cache:", "https://example.com/b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "solver:cache:e:")
	assert.Equal(t, "solver:cache:index", CacheIndexKey("solver:cache:"))
}

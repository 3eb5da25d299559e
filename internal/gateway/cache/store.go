package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/common/redis"
)

// Store is a key/value cache with per-entry expiry.
// Get never returns an entry older than its TTL, whether or not eviction has run.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	EvictExpired(ctx context.Context, now time.Time) (int, error)
	FlushAll(ctx context.Context) (int, error)
	Snapshot(ctx context.Context, sampleN int) (Snapshot, error)
}

// Snapshot summarizes cache contents for status reporting
type Snapshot struct {
	Size       int      `json:"size"`
	SampleKeys []string `json:"sampleKeys"`
}

// NewStore builds the configured backend. redisClient is only used for the redis backend.
func NewStore(cfg configtypes.CacheConfig, redisClient *redis.Client, clk clock.Clock, logger *zap.Logger) (Store, error) {
	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case configtypes.CacheBackendMemory, "":
		return NewMemoryStore(codec, clk, logger), nil
	case configtypes.CacheBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis cache backend requires a redis client")
		}
		return NewRedisStore(redisClient, cfg.KeyPrefix, codec, clk, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

func expired(storedAt time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(storedAt) >= ttl
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// Client wraps go-redis with logging and error wrapping
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	config *configtypes.RedisConfig
}

func NewClient(cfg *configtypes.RedisConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	// go-redis defaults: 5s dial, 3s read/write, pool 10*GOMAXPROCS
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	client := &Client{
		rdb:    rdb,
		logger: logger,
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Debug("Redis client connected successfully",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB))

	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		c.logger.Error("Redis ping failed", zap.Error(err))
		return err
	}

	if result != "PONG" {
		c.logger.Error("Redis ping returned unexpected response", zap.String("response", result))
		return fmt.Errorf("unexpected ping response: %s", result)
	}

	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now().UTC()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	c.logger.Debug("Redis health check passed", zap.Duration("duration", time.Since(start)))
	return nil
}

// GetBytes returns nil and no error when the key does not exist
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	result, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Redis GET failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return result, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := c.rdb.Set(ctx, key, value, expiration).Err()
	if err != nil {
		c.logger.Error("Redis SET failed",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Del returns the number of keys removed
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("Redis DEL failed",
			zap.Int("keys", len(keys)),
			zap.Error(err))
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	return n, nil
}

// ExistsEach reports per-key existence using one pipeline round trip
func (c *Client) ExistsEach(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Redis EXISTS pipeline failed",
			zap.Int("keys", len(keys)),
			zap.Error(err))
		return nil, fmt.Errorf("redis exists failed: %w", err)
	}

	result := make([]bool, len(keys))
	for i, cmd := range cmds {
		result[i] = cmd.Val() > 0
	}
	return result, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	err := c.rdb.HDel(ctx, key, fields...).Err()
	if err != nil {
		c.logger.Error("Redis HDEL failed",
			zap.String("key", key),
			zap.Int("fields", len(fields)),
			zap.Error(err))
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("Redis HGETALL failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	return result, nil
}

// SetIndexed stores value under key and records field->label in the index hash atomically
func (c *Client) SetIndexed(ctx context.Context, key string, value []byte, expiration time.Duration, indexKey, label string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, expiration)
		pipe.HSet(ctx, indexKey, key, label)
		return nil
	})
	if err != nil {
		c.logger.Error("Redis indexed SET failed",
			zap.String("key", key),
			zap.String("index", indexKey),
			zap.Error(err))
		return fmt.Errorf("redis indexed set failed: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	c.logger.Debug("Redis client closed")
	return nil
}

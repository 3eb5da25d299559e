package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/redis"
)

const envelopeHeaderSize = 16

// RedisStore keeps entries in Redis so several gateway processes can share them.
// Entry keys carry a native Redis TTL. An index hash maps entry key to
// "expiresAtUnixNano|fingerprint" for flush, eviction and snapshots.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	indexKey string
	codec    *Codec
	clock    clock.Clock
	logger   *zap.Logger
}

func NewRedisStore(client *redis.Client, prefix string, codec *Codec, clk clock.Clock, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		indexKey: redis.CacheIndexKey(prefix),
		codec:    codec,
		clock:    clk,
		logger:   logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.GetBytes(ctx, redis.CacheKey(s.prefix, key))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}

	storedAt, ttl, data, err := decodeEnvelope(raw)
	if err != nil {
		return nil, false, err
	}
	if expired(storedAt, ttl, s.clock.Now()) {
		return nil, false, nil
	}

	value, err := s.codec.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	data, err := s.codec.Encode(value)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	label := strconv.FormatInt(now.Add(ttl).UnixNano(), 10) + "|" + key

	return s.client.SetIndexed(ctx, redis.CacheKey(s.prefix, key), encodeEnvelope(now, ttl, data), ttl, s.indexKey, label)
}

// EvictExpired deletes entries whose deadline has passed at now and drops
// index records for entries Redis already expired on its own.
func (s *RedisStore) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	index, err := s.client.HGetAll(ctx, s.indexKey)
	if err != nil {
		return 0, err
	}
	if len(index) == 0 {
		return 0, nil
	}

	var stale, live []string
	for entryKey, label := range index {
		expiresAt, _, ok := parseLabel(label)
		if !ok || !now.Before(expiresAt) {
			stale = append(stale, entryKey)
			continue
		}
		live = append(live, entryKey)
	}

	exists, err := s.client.ExistsEach(ctx, live)
	if err != nil {
		return 0, err
	}
	for i, ok := range exists {
		if !ok {
			stale = append(stale, live[i])
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := s.client.Del(ctx, stale...); err != nil {
		return 0, err
	}
	if err := s.client.HDel(ctx, s.indexKey, stale...); err != nil {
		return 0, err
	}

	s.logger.Debug("Evicted expired cache entries", zap.Int("removed", len(stale)))
	return len(stale), nil
}

func (s *RedisStore) FlushAll(ctx context.Context) (int, error) {
	index, err := s.client.HGetAll(ctx, s.indexKey)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(index)+1)
	for entryKey := range index {
		keys = append(keys, entryKey)
	}

	removed, err := s.client.Del(ctx, keys...)
	if err != nil {
		return 0, err
	}
	if _, err := s.client.Del(ctx, s.indexKey); err != nil {
		return 0, err
	}

	s.logger.Info("Cache flushed", zap.Int64("removed", removed))
	return int(removed), nil
}

func (s *RedisStore) Snapshot(ctx context.Context, sampleN int) (Snapshot, error) {
	index, err := s.client.HGetAll(ctx, s.indexKey)
	if err != nil {
		return Snapshot{}, err
	}

	now := s.clock.Now()
	keys := make([]string, 0, len(index))
	for _, label := range index {
		expiresAt, fingerprint, ok := parseLabel(label)
		if ok && now.Before(expiresAt) {
			keys = append(keys, fingerprint)
		}
	}

	sort.Strings(keys)
	return Snapshot{Size: len(keys), SampleKeys: sample(keys, sampleN)}, nil
}

func parseLabel(label string) (time.Time, string, bool) {
	ts, fingerprint, found := strings.Cut(label, "|")
	if !found {
		return time.Time{}, "", false
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, nanos).UTC(), fingerprint, true
}

func encodeEnvelope(storedAt time.Time, ttl time.Duration, data []byte) []byte {
	buf := make([]byte, envelopeHeaderSize+len(data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(storedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttl))
	copy(buf[envelopeHeaderSize:], data)
	return buf
}

func decodeEnvelope(raw []byte) (time.Time, time.Duration, []byte, error) {
	if len(raw) <= envelopeHeaderSize {
		return time.Time{}, 0, nil, fmt.Errorf("%w: short envelope (%d bytes)", ErrCorruptEntry, len(raw))
	}
	storedAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[0:8]))).UTC()
	ttl := time.Duration(binary.BigEndian.Uint64(raw[8:16]))
	return storedAt, ttl, raw[envelopeHeaderSize:], nil
}

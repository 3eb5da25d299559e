package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
)

type memoryEntry struct {
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	codec   *Codec
	clock   clock.Clock
	logger  *zap.Logger
}

func NewMemoryStore(codec *Codec, clk clock.Clock, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		codec:   codec,
		clock:   clk,
		logger:  logger,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || expired(e.storedAt, e.ttl, s.clock.Now()) {
		return nil, false, nil
	}

	value, err := s.codec.Decode(e.data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	data, err := s.codec.Encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[key] = memoryEntry{data: data, storedAt: s.clock.Now(), ttl: ttl}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) EvictExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if expired(e.storedAt, e.ttl, now) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Evicted expired cache entries",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.entries)))
	}
	return removed, nil
}

func (s *MemoryStore) FlushAll(_ context.Context) (int, error) {
	s.mu.Lock()
	removed := len(s.entries)
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()

	s.logger.Info("Cache flushed", zap.Int("removed", removed))
	return removed, nil
}

// Snapshot counts live entries and returns the first sampleN keys in sorted order
func (s *MemoryStore) Snapshot(_ context.Context, sampleN int) (Snapshot, error) {
	now := s.clock.Now()

	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if !expired(e.storedAt, e.ttl, now) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return Snapshot{Size: len(keys), SampleKeys: sample(keys, sampleN)}, nil
}

func sample(keys []string, n int) []string {
	if n < 0 {
		n = 0
	}
	if len(keys) < n {
		n = len(keys)
	}
	return append([]string{}, keys[:n]...)
}

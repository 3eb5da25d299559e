package cache

import "errors"

var (
	// ErrInvalidTTL is returned by Set for non-positive TTLs
	ErrInvalidTTL = errors.New("cache ttl must be positive")
	// ErrCorruptEntry is returned when a stored entry cannot be decoded
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrDecompression wraps snappy/lz4 decode failures
	ErrDecompression = errors.New("decompression failed")
)

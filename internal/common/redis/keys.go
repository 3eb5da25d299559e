package redis

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const cacheIndexSuffix = "index"

// CacheKey maps a fingerprint to a fixed-length Redis key.
// Fingerprints can be whole URLs, so they are hashed rather than embedded.
func CacheKey(prefix, fingerprint string) string {
	return prefix + "e:" + strconv.FormatUint(xxhash.Sum64String(fingerprint), 16)
}

// CacheIndexKey is the hash tracking every live entry key -> fingerprint under prefix
func CacheIndexKey(prefix string) string {
	return prefix + cacheIndexSuffix
}

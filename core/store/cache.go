package store

import (
	"strconv"

	"github.com/dgraph-io/ristretto"
)

// payloadCache caches decoded entity versions. Versions are immutable once
// committed, so entries never need invalidation.
type payloadCache struct {
	cache *ristretto.Cache
}

func newPayloadCache(maxCost int64) (*payloadCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultCacheCounters,
		MaxCost:     maxCost,
		BufferItems: defaultCacheBufferSize,
	})
	if err != nil {
		return nil, err
	}
	return &payloadCache{cache: cache}, nil
}

func versionCacheKey(key string, version uint64) string {
	return key + "@" + strconv.FormatUint(version, 10)
}

func (c *payloadCache) Get(key string, version uint64) (*Entity, bool) {
	value, ok := c.cache.Get(versionCacheKey(key, version))
	if !ok {
		return nil, false
	}

	ent, ok := value.(*Entity)
	if !ok {
		return nil, false
	}
	return ent.Clone(), true
}

func (c *payloadCache) Put(ent *Entity) {
	cost := ent.Payload.Size()
	if cost <= 0 {
		cost = 1
	}
	c.cache.Set(versionCacheKey(ent.Key, ent.Version), ent.Clone(), cost)
}

func (c *payloadCache) Close() {
	c.cache.Close()
}

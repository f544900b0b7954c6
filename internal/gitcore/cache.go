package gitcore

import (
	"github.com/jellydator/ttlcache/v3"
)

// defaultCacheCapacity bounds the number of decoded objects kept in memory
// per repository handle. Objects are immutable once written, so entries
// never need to expire on their own; capacity-based eviction is enough.
const defaultCacheCapacity = 4096

// cachedObject is what the object cache stores: the decoded payload plus
// the pack-format type byte it was read with.
type cachedObject struct {
	data       []byte
	objectType byte
}

// objectCache is a capacity-bounded, hash-keyed cache of decoded object
// bytes, fronting the loose/pack dispatch path in readObjectData.
type objectCache struct {
	cache *ttlcache.Cache[Hash, cachedObject]
}

func newObjectCache(capacity uint64) *objectCache {
	if capacity == 0 {
		capacity = defaultCacheCapacity
	}
	c := ttlcache.New[Hash, cachedObject](
		ttlcache.WithCapacity[Hash, cachedObject](capacity),
		ttlcache.WithDisableTouchOnHit[Hash, cachedObject](),
	)
	return &objectCache{cache: c}
}

func (oc *objectCache) get(id Hash) (cachedObject, bool) {
	item := oc.cache.Get(id)
	if item == nil {
		objectCacheMisses.Inc()
		return cachedObject{}, false
	}
	objectCacheHits.Inc()
	return item.Value(), true
}

func (oc *objectCache) set(id Hash, obj cachedObject) {
	oc.cache.Set(id, obj, ttlcache.NoTTL)
}

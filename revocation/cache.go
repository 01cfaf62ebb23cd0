package revocation

import (
	"container/list"
	"hash/maphash"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

const cacheShards = 8

// CacheEntry is the last known good OCSP answer for one serial number.
type CacheEntry struct {
	Response  *ocsp.Response
	Raw       []byte
	Responder string
	Expires   time.Time
}

// Cache keeps OCSP responses by certificate serial number. Entries are
// never served past their expiry, which is the configured delay after
// insertion or the response's NextUpdate, whichever comes first.
type Cache struct {
	shards []*cacheShard
	seed   maphash.Seed
	delay  time.Duration
	now    func() time.Time
}

type cacheShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	capacity int
}

type cacheItem struct {
	key   string
	entry CacheEntry
}

// NewCache returns a cache holding about size entries. now may be nil.
func NewCache(size int, delay time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	perShard := (size + cacheShards - 1) / cacheShards
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache{
		shards: make([]*cacheShard, cacheShards),
		seed:   maphash.MakeSeed(),
		delay:  delay,
		now:    now,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			items:    make(map[string]*list.Element),
			order:    list.New(),
			capacity: perShard,
		}
	}
	return c
}

func (c *Cache) shard(key string) *cacheShard {
	return c.shards[maphash.String(c.seed, key)%cacheShards]
}

// Get returns the cached entry for serial if it has not expired.
func (c *Cache) Get(serial *big.Int) (CacheEntry, bool) {
	key := serial.String()
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		cacheMisses.Inc()
		return CacheEntry{}, false
	}
	item := el.Value.(*cacheItem)
	if !c.now().Before(item.entry.Expires) {
		s.order.Remove(el)
		delete(s.items, key)
		cacheMisses.Inc()
		return CacheEntry{}, false
	}
	s.order.MoveToFront(el)
	cacheHits.Inc()
	return item.entry, true
}

// Put stores a response. The least recently used entry of the shard is
// evicted when it is full.
func (c *Cache) Put(serial *big.Int, resp *ocsp.Response, raw []byte, responder string) {
	expires := c.now().Add(c.delay)
	if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(expires) {
		expires = resp.NextUpdate
	}
	key := serial.String()
	entry := CacheEntry{Response: resp, Raw: raw, Responder: responder, Expires: expires}

	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*cacheItem).entry = entry
		s.order.MoveToFront(el)
		return
	}
	s.items[key] = s.order.PushFront(&cacheItem{key: key, entry: entry})
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*cacheItem).key)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache keeps the last quoted price per asset with its fetch time.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// SetClock swaps the time source; tests use it to age entries.
func (c *ShardedPriceCache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for an asset.
func (c *ShardedPriceCache) Set(asset string, price float64) {
	shard := c.getShard(asset)
	shard.mu.Lock()
	shard.items[asset] = priceEntry{
		price:     price,
		updatedAt: c.now(),
	}
	shard.mu.Unlock()
}

// Get retrieves the last price for an asset regardless of age.
func (c *ShardedPriceCache) Get(asset string) (float64, bool) {
	shard := c.getShard(asset)
	shard.mu.RLock()
	entry, ok := shard.items[asset]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge retrieves price and its age.
func (c *ShardedPriceCache) GetWithAge(asset string) (float64, time.Duration, bool) {
	shard := c.getShard(asset)
	shard.mu.RLock()
	entry, ok := shard.items[asset]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, c.now().Sub(entry.updatedAt), true
}

// Fresh returns the cached price only when it is younger than ttl.
func (c *ShardedPriceCache) Fresh(asset string, ttl time.Duration) (float64, bool) {
	price, age, ok := c.GetWithAge(asset)
	if !ok || age >= ttl {
		return 0, false
	}
	return price, true
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// GetAll returns all cached prices.
func (c *ShardedPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for asset, entry := range shard.items {
			result[asset] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

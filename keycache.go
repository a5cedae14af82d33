package lethe

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// keyCache is a bounded LRU of derived keys. A zero size disables caching.
type keyCache[K comparable] struct {
	lru *lru.Cache[K, Key]
}

func newKeyCache[K comparable](size int) *keyCache[K] {
	if size <= 0 {
		return &keyCache[K]{}
	}
	c, err := lru.New[K, Key](size)
	if err != nil {
		return &keyCache[K]{}
	}
	return &keyCache[K]{lru: c}
}

func (c *keyCache[K]) get(k K) (Key, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(k)
}

func (c *keyCache[K]) add(k K, key Key) {
	if c.lru != nil {
		c.lru.Add(k, key)
	}
}

func (c *keyCache[K]) remove(k K) {
	if c.lru != nil {
		c.lru.Remove(k)
	}
}

func (c *keyCache[K]) purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

func (c *keyCache[K]) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

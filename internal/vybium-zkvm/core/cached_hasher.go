package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

type hashKey struct {
	compress bool
	input    [2 * Chunk]field.Element
}

// CachedHasher memoizes an inner Hasher. Memory trees rehash the same
// untouched siblings segment after segment, so hits are common.
type CachedHasher struct {
	inner Hasher
	cache *lru.Cache[hashKey, Digest]
}

// NewCachedHasher wraps inner with an LRU of the given size. A non-positive
// size returns inner unchanged.
func NewCachedHasher(inner Hasher, size int) (Hasher, error) {
	if size <= 0 {
		return inner, nil
	}
	cache, err := lru.New[hashKey, Digest](size)
	if err != nil {
		return nil, err
	}
	return &CachedHasher{inner: inner, cache: cache}, nil
}

// Hash implements Hasher.
func (c *CachedHasher) Hash(chunk [Chunk]field.Element) Digest {
	var key hashKey
	copy(key.input[:], chunk[:])
	if d, ok := c.cache.Get(key); ok {
		return d
	}
	d := c.inner.Hash(chunk)
	c.cache.Add(key, d)
	return d
}

// Compress implements Hasher.
func (c *CachedHasher) Compress(left, right Digest) Digest {
	key := hashKey{compress: true}
	copy(key.input[:Chunk], left[:])
	copy(key.input[Chunk:], right[:])
	if d, ok := c.cache.Get(key); ok {
		return d
	}
	d := c.inner.Compress(left, right)
	c.cache.Add(key, d)
	return d
}

// Len returns the number of cached entries.
func (c *CachedHasher) Len() int {
	return c.cache.Len()
}

package chunkstore

import (
	"image"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type frameKey struct {
	chunk  string
	offset int
}

func (k frameKey) String() string {
	return k.chunk + "#" + strconv.Itoa(k.offset)
}

type cachedFrame struct {
	img  image.Image
	size int64
}

// frameCache is an LRU bounded by both entry count and decoded byte size.
// Entries are immutable once inserted.
type frameCache struct {
	mu       sync.Mutex
	lru      *lru.Cache[frameKey, cachedFrame]
	bytes    int64
	maxBytes int64
}

func newFrameCache(entries int, maxBytes int64) (*frameCache, error) {
	c := &frameCache{maxBytes: maxBytes}
	l, err := lru.NewWithEvict[frameKey, cachedFrame](entries, func(_ frameKey, v cachedFrame) {
		c.bytes -= v.size
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// imageBytes estimates the decoded footprint at 4 bytes per pixel.
func imageBytes(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

func (c *frameCache) get(k frameKey) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return v.img, true
}

func (c *frameCache) add(k frameKey, img image.Image) {
	size := imageBytes(img)
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(k) {
		return
	}
	for c.bytes+size > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.lru.Add(k, cachedFrame{img: img, size: size})
	c.bytes += size
}

// evictChunk drops every cached frame of chunk.
func (c *frameCache) evictChunk(chunk string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.lru.Keys() {
		if k.chunk == chunk {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *frameCache) stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.bytes
}

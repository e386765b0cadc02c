package memory

import (
	"sync"

	"github.com/recaplab/recap-engine/internal/domain"
)

// SegmentCache is an in-memory domain.SegmentCache.
type SegmentCache struct {
	mu sync.Mutex
	m  map[string]domain.SegmentResult
}

// NewSegmentCache constructs an empty cache.
func NewSegmentCache() *SegmentCache {
	return &SegmentCache{m: make(map[string]domain.SegmentResult)}
}

// Get returns the cached result for a fingerprint.
func (c *SegmentCache) Get(_ domain.Context, fingerprint string) (domain.SegmentResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.m[fingerprint]
	return res, ok, nil
}

// Put stores a result under its fingerprint.
func (c *SegmentCache) Put(_ domain.Context, fingerprint string, res domain.SegmentResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[fingerprint] = res
	return nil
}

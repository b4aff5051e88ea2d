package catalog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
)

// campaignCache is a short-TTL cache of validated custom action sets, keyed
// by campaign. An empty slice is a valid cached value (no custom actions).
type campaignCache struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]cachedSet
	ttl       time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

type cachedSet struct {
	actions   []model.PhysicalAction
	expiresAt time.Time
}

func newCampaignCache(ttl time.Duration) *campaignCache {
	c := &campaignCache{
		entries: make(map[uuid.UUID]cachedSet),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached set and true if a live entry exists.
func (c *campaignCache) Get(campaignID uuid.UUID) ([]model.PhysicalAction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[campaignID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.actions, true
}

func (c *campaignCache) Set(campaignID uuid.UUID, actions []model.PhysicalAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[campaignID] = cachedSet{
		actions:   actions,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *campaignCache) Delete(campaignID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, campaignID)
}

// Close stops the eviction goroutine. Safe to call more than once.
func (c *campaignCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries once per TTL, at most once a minute.
func (c *campaignCache) evictLoop() {
	interval := min(c.ttl, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *campaignCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

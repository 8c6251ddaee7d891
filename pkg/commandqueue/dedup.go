package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupEntry remembers the Future handed out for a request id
type dedupEntry struct {
	future    *Future
	timestamp time.Time
}

// dedupCache maps request ids to Futures so that a retried submission joins
// the original execution instead of running the command twice. Entries for
// resolved Futures expire after ttl; in-flight entries never expire.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// newDedupCache creates a cache and starts its cleanup goroutine
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup(ctx)

	return cache
}

// Stop ends the cleanup goroutine
func (dc *dedupCache) Stop() {
	if dc.cancel != nil {
		dc.cancel()
	}
}

// GetOrSet returns the live Future for requestID, or stores f and returns it.
// loaded reports whether an existing Future was returned.
func (dc *dedupCache) GetOrSet(requestID string, f *Future) (actual *Future, loaded bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	if entry, ok := dc.entries[requestID]; ok && !dc.expired(entry, now) {
		return entry.future, true
	}

	dc.entries[requestID] = &dedupEntry{future: f, timestamp: now}
	return f, false
}

// Forget drops requestID, e.g. when the submission was rejected before enqueue
func (dc *dedupCache) Forget(requestID string, f *Future) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, ok := dc.entries[requestID]; ok && entry.future == f {
		delete(dc.entries, requestID)
	}
}

func (dc *dedupCache) expired(entry *dedupEntry, now time.Time) bool {
	if _, resolved := entry.future.Result(); !resolved {
		return false
	}
	return now.Sub(entry.timestamp) > dc.ttl
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for requestID, entry := range dc.entries {
				if dc.expired(entry, now) {
					delete(dc.entries, requestID)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

package gateway

import (
	"sync"
	"time"
)

const defaultReplayTTL = 5 * time.Minute

// replayCache holds responses by method and idempotency key until the ttl
// passes. Expired entries are swept on every insert.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[replayKey]replayEntry
}

type replayKey struct {
	method string
	key    string
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return &replayCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[replayKey]replayEntry),
	}
}

func (c *replayCache) get(method, key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := replayKey{method, key}
	entry, ok := c.entries[k]
	if !ok {
		return RPCResponse{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, k)
		return RPCResponse{}, false
	}
	return entry.resp.clone(), true
}

func (c *replayCache) put(method, key string, resp RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[replayKey{method, key}] = replayEntry{resp: resp.clone(), expires: now.Add(c.ttl)}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// replayable reports whether resp may be served again for the same key.
// Rejections a client is expected to retry are not stored.
func replayable(resp *RPCResponse) bool {
	if resp.Error == nil {
		return true
	}
	switch resp.Error.Code {
	case AdmissionRejected, RateLimitExceeded, TooManyConcurrent, ShuttingDown, InternalError:
		return false
	}
	return true
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

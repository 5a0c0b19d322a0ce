package job

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rakunlabs/flowrunner/internal/registry"
)

// DefaultCacheSize bounds the results cache when the flow does not set one.
const DefaultCacheSize = 4096

// Result is the cached record of one job's completion for one message.
type Result struct {
	Status registry.Status `json:"status"`
	Result map[string]any  `json:"result"`
}

// cacheEntry holds every job result recorded so far for a single message
// UUID. Updates lock the entry, not the whole cache, so unrelated UUIDs
// never contend.
type cacheEntry struct {
	mu      sync.Mutex
	results map[string]Result
}

// ResultsCache is the shared job-results cache: message UUID → map of
// job-name → Result. It backs dependency waits and the HTTP-server source's
// request/response correlation. The LRU bound keeps dead-message entries
// from leaking.
type ResultsCache struct {
	lru *lru.Cache[string, *cacheEntry]
}

// NewResultsCache builds a cache bounded to size entries (DefaultCacheSize
// when size <= 0).
func NewResultsCache(size int) (*ResultsCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	c, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &ResultsCache{lru: c}, nil
}

// Update atomically upserts the result of jobName for uuid.
func (c *ResultsCache) Update(uuid, jobName string, r Result) {
	entry, ok := c.lru.Get(uuid)
	if !ok {
		entry = &cacheEntry{results: make(map[string]Result)}
		// Another job may insert the same UUID concurrently; PeekOrAdd keeps
		// the entry already present so both writers land on the same one.
		if existing, loaded, _ := c.lru.PeekOrAdd(uuid, entry); loaded {
			entry = existing
		}
	}

	entry.mu.Lock()
	entry.results[jobName] = r
	entry.mu.Unlock()
}

// Get returns a snapshot of every job result recorded for uuid. ok is false
// when the UUID has no entry (never seen, or evicted).
func (c *ResultsCache) Get(uuid string) (map[string]Result, bool) {
	entry, ok := c.lru.Get(uuid)
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	out := make(map[string]Result, len(entry.results))
	for k, v := range entry.results {
		out[k] = v
	}
	return out, true
}

// Contains reports whether every name in jobs has a result for uuid.
func (c *ResultsCache) Contains(uuid string, jobs []string) bool {
	entry, ok := c.lru.Get(uuid)
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, j := range jobs {
		if _, ok := entry.results[j]; !ok {
			return false
		}
	}
	return true
}

package takeexam

import (
	"sync"
	"time"
)

// DefaultResultsTTL bounds how long review results stay cached.
const DefaultResultsTTL = 30 * time.Minute

type cachedResults struct {
	results ReviewResults
	expires time.Time
}

// MemoryResultsCache is a process-local ResultsCache with expiry.
type MemoryResultsCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[ExamID]cachedResults
	now   func() time.Time
}

// NewMemoryResultsCache creates an empty cache.
func NewMemoryResultsCache(ttl time.Duration) *MemoryResultsCache {
	return &MemoryResultsCache{
		ttl:   ttl,
		items: make(map[ExamID]cachedResults),
		now:   time.Now,
	}
}

func (c *MemoryResultsCache) Put(examID ExamID, r ReviewResults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[examID] = cachedResults{results: r, expires: c.now().Add(c.ttl)}
}

func (c *MemoryResultsCache) Get(examID ExamID) (ReviewResults, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[examID]
	if !ok {
		return ReviewResults{}, false
	}
	if c.now().After(item.expires) {
		delete(c.items, examID)
		return ReviewResults{}, false
	}
	return item.results, true
}

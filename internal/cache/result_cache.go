package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/layerbridge"
)

// Defaults for the result cache.
const (
	DefaultResultTTL           = 30 * time.Minute
	DefaultMaxEntries          = 100
	DefaultSimilarityThreshold = 0.8
)

// CacheEntry is a stored backend answer.
type CacheEntry struct {
	Key       string                `json:"key"`
	Layer     layerbridge.LayerName `json:"layer"`
	Query     string                `json:"query"`
	Content   interface{}           `json:"content"`
	Model     string                `json:"model,omitempty"`
	Sources   []string              `json:"sources,omitempty"`
	Grounded  bool                  `json:"grounded,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	TTL       time.Duration         `json:"ttl"`

	tokens map[string]struct{}
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.After(e.Timestamp.Add(e.TTL))
}

// ResultCacheStats is a snapshot of cache counters.
type ResultCacheStats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	SoftHits int64 `json:"soft_hits"`
	Misses   int64 `json:"misses"`
}

// ResultCache stores backend answers keyed by layer and normalized query. A
// lookup that misses exactly falls back to the most similar live entry of the
// same layer when its token similarity reaches the threshold.
type ResultCache struct {
	mutex   sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // oldest first

	ttl        time.Duration
	maxEntries int
	threshold  float64
	metrics    bool
	now        func() time.Time

	hits, softHits, misses atomic.Int64
}

// ResultCacheOption configures a ResultCache.
type ResultCacheOption func(*ResultCache)

// WithTTL sets the lifetime of new entries.
func WithTTL(ttl time.Duration) ResultCacheOption {
	return func(c *ResultCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of stored entries.
func WithMaxEntries(n int) ResultCacheOption {
	return func(c *ResultCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithSimilarityThreshold sets the inclusive soft-match threshold in (0, 1].
func WithSimilarityThreshold(th float64) ResultCacheOption {
	return func(c *ResultCache) {
		if th > 0 && th <= 1 {
			c.threshold = th
		}
	}
}

// WithMetrics enables hit and miss counters.
func WithMetrics(enabled bool) ResultCacheOption {
	return func(c *ResultCache) {
		c.metrics = enabled
	}
}

// WithResultClock replaces time.Now.
func WithResultClock(now func() time.Time) ResultCacheOption {
	return func(c *ResultCache) {
		c.now = now
	}
}

// NewResultCache creates an empty result cache.
func NewResultCache(opts ...ResultCacheOption) *ResultCache {
	c := &ResultCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        DefaultResultTTL,
		maxEntries: DefaultMaxEntries,
		threshold:  DefaultSimilarityThreshold,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for a layer and query.
func Key(layer layerbridge.LayerName, query string) string {
	return string(layer) + ":" + NormalizeQuery(query)
}

// Get looks up query for layer. It never mutates stored entries.
func (c *ResultCache) Get(layer layerbridge.LayerName, query string) (CacheEntry, layerbridge.CacheHit, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	if el, ok := c.entries[Key(layer, query)]; ok {
		entry := el.Value.(*CacheEntry)
		if !entry.expired(now) {
			c.count(&c.hits)
			return *entry, layerbridge.CacheHitExact, true
		}
	}

	tokens := Tokens(query)
	var best *CacheEntry
	bestScore := 0.0
	for el := c.order.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*CacheEntry)
		if entry.Layer != layer || entry.expired(now) {
			continue
		}
		if score := Jaccard(tokens, entry.tokens); score > bestScore {
			best, bestScore = entry, score
		}
	}
	if best != nil && bestScore >= c.threshold {
		c.count(&c.softHits)
		return *best, layerbridge.CacheHitSoft, true
	}
	c.count(&c.misses)
	return CacheEntry{}, layerbridge.CacheMiss, false
}

// Set stores an answer. Re-setting a key refreshes it; when full, expired
// entries go first and then the oldest ones.
func (c *ResultCache) Set(layer layerbridge.LayerName, query string, content interface{}, model string, sources []string, grounded bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	key := Key(layer, query)
	entry := &CacheEntry{
		Key:       key,
		Layer:     layer,
		Query:     query,
		Content:   content,
		Model:     model,
		Sources:   sources,
		Grounded:  grounded,
		Timestamp: now,
		TTL:       c.ttl,
		tokens:    Tokens(query),
	}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToBack(el)
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.evictExpired(now)
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*CacheEntry).Key)
	}
	c.entries[key] = c.order.PushBack(entry)
}

func (c *ResultCache) evictExpired(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if entry := el.Value.(*CacheEntry); entry.expired(now) {
			c.order.Remove(el)
			delete(c.entries, entry.Key)
		}
		el = next
	}
}

// Delete removes the entry for layer and query.
func (c *ResultCache) Delete(layer layerbridge.LayerName, query string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if el, ok := c.entries[Key(layer, query)]; ok {
		c.order.Remove(el)
		delete(c.entries, Key(layer, query))
	}
}

// Clear drops every entry and resets the counters.
func (c *ResultCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits.Store(0)
	c.softHits.Store(0)
	c.misses.Store(0)
}

// Len returns the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters. Counters stay zero unless metrics are enabled.
func (c *ResultCache) Stats() ResultCacheStats {
	return ResultCacheStats{
		Entries:  c.Len(),
		Hits:     c.hits.Load(),
		SoftHits: c.softHits.Load(),
		Misses:   c.misses.Load(),
	}
}

func (c *ResultCache) count(counter *atomic.Int64) {
	if c.metrics {
		counter.Add(1)
	}
}

package engine

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"Driftline/internal/domain/models"
)

// defaultCacheFlush is how often the detection cache is cleared
// wholesale when no interval is configured.
const defaultCacheFlush = 30 * time.Minute

// detectionCache memoizes detection results per (model, feature vector).
// Entries have no per-entry TTL; the whole cache is flushed on a timer
// and a model's entries are dropped when that model is retrained.
type detectionCache struct {
	mu      sync.RWMutex
	entries map[string]*models.AnomalyDetectionResult

	flushEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func newDetectionCache(flushEvery time.Duration) *detectionCache {
	if flushEvery <= 0 {
		flushEvery = defaultCacheFlush
	}
	c := &detectionCache{
		entries:    make(map[string]*models.AnomalyDetectionResult),
		flushEvery: flushEvery,
		stop:       make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// cacheKey builds the canonical key for a model and feature vector.
// Feature names are sorted so maps with different iteration orders
// produce identical keys.
func cacheKey(modelID string, features map[string]float64) string {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(modelID)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(features[name], 'g', -1, 64))
	}
	return b.String()
}

func (c *detectionCache) Get(key string) (*models.AnomalyDetectionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *detectionCache) Set(key string, r *models.AnomalyDetectionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

// InvalidateModel drops every cached result belonging to modelID.
// Called after a successful retrain so stale scores are never served.
func (c *detectionCache) InvalidateModel(modelID string) {
	prefix := modelID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k == modelID || strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Flush clears the cache wholesale.
func (c *detectionCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*models.AnomalyDetectionResult)
}

func (c *detectionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *detectionCache) flushLoop() {
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.stop:
			return
		}
	}
}

func (c *detectionCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

package engine

import (
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

func TestCacheKeyCanonical(t *testing.T) {
	a := cacheKey("m1", map[string]float64{"cpu": 1.5, "mem": 2})
	b := cacheKey("m1", map[string]float64{"mem": 2, "cpu": 1.5})
	if a != b {
		t.Fatalf("key depends on map order: %q vs %q", a, b)
	}
	if a == cacheKey("m2", map[string]float64{"cpu": 1.5, "mem": 2}) {
		t.Fatalf("key ignores model id")
	}
	if a == cacheKey("m1", map[string]float64{"cpu": 1.5, "mem": 2.0001}) {
		t.Fatalf("key ignores feature values")
	}
}

func TestCacheInvalidateModel(t *testing.T) {
	c := newDetectionCache(time.Hour)
	defer c.Close()

	r := &models.AnomalyDetectionResult{ID: "r1"}
	c.Set(cacheKey("m1", map[string]float64{"cpu": 1}), r)
	c.Set(cacheKey("m1", map[string]float64{"cpu": 2}), r)
	c.Set(cacheKey("m2", map[string]float64{"cpu": 1}), r)

	c.InvalidateModel("m1")
	if c.Len() != 1 {
		t.Fatalf("cache len = %d after invalidation, want 1", c.Len())
	}
	if _, ok := c.Get(cacheKey("m2", map[string]float64{"cpu": 1})); !ok {
		t.Fatalf("other model's entry dropped")
	}
}

func TestCacheTimedFlush(t *testing.T) {
	c := newDetectionCache(20 * time.Millisecond)
	defer c.Close()

	c.Set(cacheKey("m1", map[string]float64{"cpu": 1}), &models.AnomalyDetectionResult{ID: "r1"})
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cache not flushed by timer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheCloseIdempotent(t *testing.T) {
	c := newDetectionCache(time.Hour)
	c.Close()
	c.Close()
}

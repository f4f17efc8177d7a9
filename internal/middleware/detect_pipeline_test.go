package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

type fakeDetector struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeDetector) DetectAnomalies(ctx context.Context, modelID string, points []models.DataPoint) ([]*models.AnomalyDetectionResult, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("engine down")
	}
	return nil, nil
}

type noopMetrics struct{}

func (noopMetrics) RecordDetection(string)                {}
func (noopMetrics) RecordAnomaly(string)                  {}
func (noopMetrics) RecordTrainingDuration(string, float64) {}
func (noopMetrics) RecordCacheHit()                       {}
func (noopMetrics) RecordCacheMiss()                      {}
func (noopMetrics) RecordEvent(string)                    {}
func (noopMetrics) RecordError(string)                    {}
func (noopMetrics) RecordLatency(string, float64)         {}

func batch(model string, n int) *models.PointBatch {
	points := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, models.DataPoint{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Features:  map[string]float64{"cpu": float64(i)},
		})
	}
	return &models.PointBatch{ModelID: model, Points: points}
}

func TestPipelineRejectsInvalidBatches(t *testing.T) {
	det := &fakeDetector{}
	p := NewDetectPipeline(det, noopMetrics{})

	if err := p.Process(context.Background(), nil); err == nil {
		t.Fatalf("nil batch accepted")
	}
	if err := p.Process(context.Background(), &models.PointBatch{ModelID: "", Points: batch("x", 1).Points}); err == nil {
		t.Fatalf("empty model id accepted")
	}
	if err := p.Process(context.Background(), &models.PointBatch{ModelID: "m1"}); err == nil {
		t.Fatalf("empty batch accepted")
	}
	if det.calls.Load() != 0 {
		t.Fatalf("invalid batches reached the engine")
	}
}

func TestPipelineForwardsValidBatch(t *testing.T) {
	det := &fakeDetector{}
	p := NewDetectPipeline(det, noopMetrics{})

	if err := p.Process(context.Background(), batch("m1", 3)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if det.calls.Load() != 1 {
		t.Fatalf("engine calls = %d, want 1", det.calls.Load())
	}
}

func TestPipelineThrottlesPerModel(t *testing.T) {
	det := &fakeDetector{}
	p := NewDetectPipeline(det, noopMetrics{}, WithMaxBatchRPS(1))

	for i := 0; i < 10; i++ {
		if err := p.Process(context.Background(), batch("m1", 1)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	// one token in the bucket, refill far slower than the loop
	if got := det.calls.Load(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (throttled)", got)
	}

	// a different model has its own bucket
	if err := p.Process(context.Background(), batch("m2", 1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := det.calls.Load(); got != 2 {
		t.Fatalf("engine calls = %d, want 2", got)
	}
}

func TestPipelineBuffersFailedBatchAndFlushes(t *testing.T) {
	det := &fakeDetector{}
	det.fail.Store(true)
	p := NewDetectPipeline(det, noopMetrics{}, WithBufferSize(4))

	if err := p.Process(context.Background(), batch("m1", 1)); err == nil {
		t.Fatalf("downstream failure not surfaced")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det.fail.Store(false)
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for det.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("buffered batch never flushed, calls=%d", det.calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

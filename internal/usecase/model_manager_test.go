package usecase

import (
	"context"
	"testing"
	"time"

	"Driftline/internal/domain/models"
	"Driftline/internal/engine"
	"Driftline/pkg/cache"
)

type fakeStore struct {
	points   []models.DataPoint
	lastFrom time.Time
	lastTo   time.Time
	calls    int
}

func (f *fakeStore) LoadPoints(ctx context.Context, source string, from, to time.Time, features []string) ([]models.DataPoint, error) {
	f.calls++
	f.lastFrom, f.lastTo = from, to
	return f.points, nil
}

func (f *fakeStore) Health(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                     { return nil }

func storedPoints(n int) []models.DataPoint {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 12.0
		}
		pts = append(pts, models.DataPoint{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Features:  map[string]float64{"cpu": v},
		})
	}
	return pts
}

func registerStatistical(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	err := eng.RegisterModel(&models.AnomalyDetectionModel{
		ID:   id,
		Name: id,
		Type: models.TypeStatistical,
		TrainingData: models.TrainingData{
			Source: "driftline.telemetry",
			TimeRange: models.TimeRange{
				From: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				To:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			},
			Features: []string{"cpu"},
		},
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestTrainLoadsDeclaredWindowFromStore(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	store := &fakeStore{points: storedPoints(10)}
	m := NewModelManager(eng, store, cache.NewMemoryCache(), 0, nil)
	registerStatistical(t, eng, "m1")

	if err := m.Train(context.Background(), "m1", nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected one store load, got %d", store.calls)
	}

	model, err := eng.Model("m1")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if model.LastTrained.IsZero() {
		t.Fatalf("expected LastTrained to be set")
	}
	if !store.lastFrom.Equal(model.TrainingData.TimeRange.From) {
		t.Fatalf("expected declared window start, got %v", store.lastFrom)
	}
}

func TestTrainWindowOverridesAndAligns(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	store := &fakeStore{points: storedPoints(10)}
	m := NewModelManager(eng, store, cache.NewMemoryCache(), 0, nil)
	registerStatistical(t, eng, "m1")

	from := time.Date(2026, 2, 1, 0, 0, 10, 900000000, time.UTC)
	to := time.Date(2026, 2, 2, 0, 0, 20, 100000000, time.UTC)
	if err := m.TrainWindow(context.Background(), "m1", from, to); err != nil {
		t.Fatalf("train window: %v", err)
	}
	if store.lastFrom.Nanosecond() != 0 || store.lastTo.Nanosecond() != 0 {
		t.Fatalf("expected second-aligned window, got %v..%v", store.lastFrom, store.lastTo)
	}
	if !store.lastFrom.Equal(from.Truncate(time.Second)) {
		t.Fatalf("expected override start %v, got %v", from.Truncate(time.Second), store.lastFrom)
	}
}

func TestTrainWithoutStoreAndWithoutPoints(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	m := NewModelManager(eng, nil, nil, 0, nil)
	registerStatistical(t, eng, "m1")

	if err := m.Train(context.Background(), "m1", nil); err == nil {
		t.Fatalf("expected error without store and points")
	}
}

func TestMetricsCachedAndInvalidatedByTrain(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	store := &fakeStore{points: storedPoints(10)}
	m := NewModelManager(eng, store, cache.NewMemoryCache(), time.Minute, nil)
	registerStatistical(t, eng, "m1")

	if err := m.Train(context.Background(), "m1", storedPoints(4)); err != nil {
		t.Fatalf("train: %v", err)
	}

	mm, err := m.Metrics(context.Background(), "m1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if mm.SampleCount != 4 {
		t.Fatalf("expected sample count 4, got %d", mm.SampleCount)
	}
	if mm.Accuracy != nil {
		t.Fatalf("expected nil accuracy before evaluation")
	}

	// Retraining drops the cached metrics entry.
	if err := m.Train(context.Background(), "m1", storedPoints(8)); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	mm, err = m.Metrics(context.Background(), "m1")
	if err != nil {
		t.Fatalf("metrics after retrain: %v", err)
	}
	if mm.SampleCount != 8 {
		t.Fatalf("expected sample count 8 after invalidation, got %d", mm.SampleCount)
	}
}

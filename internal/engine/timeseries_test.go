package engine

import (
	"context"
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

func seriesModel(id string, threshold float64) *models.AnomalyDetectionModel {
	return &models.AnomalyDetectionModel{
		ID:        id,
		Name:      id,
		Type:      models.TypeTimeSeries,
		Threshold: threshold,
		TrainingData: models.TrainingData{
			Source:   "telemetry",
			Features: []string{"latency"},
		},
	}
}

// sawtoothPoints generates a strict period-`period` sawtooth starting
// at 100, one point per minute.
func sawtoothPoints(n, period int) []models.DataPoint {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		v := 100 + float64(i%period)
		points = append(points, point(base.Add(time.Duration(i)*time.Minute), map[string]float64{"latency": v}))
	}
	return points
}

func TestSeriesSeasonalityDetection(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.8)

	if err := d.Train(context.Background(), model, sawtoothPoints(200, 24)); err != nil {
		t.Fatalf("train: %v", err)
	}
	season, ok := d.Seasonality("s1")
	if !ok {
		t.Fatalf("no state after train")
	}
	if season != 24 {
		t.Fatalf("seasonality = %d, want 24", season)
	}
}

func TestSeriesShortSeriesDefaultsSeasonalityOne(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.8)

	if err := d.Train(context.Background(), model, sawtoothPoints(8, 4)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if season, _ := d.Seasonality("s1"); season != 1 {
		t.Fatalf("seasonality = %d, want 1 for short series", season)
	}
}

func TestSeriesSpikeScoresAboveContinuation(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.8)
	if err := d.Train(context.Background(), model, sawtoothPoints(200, 24)); err != nil {
		t.Fatalf("train: %v", err)
	}

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	// the value the sawtooth itself would produce next
	next := point(base.Add(200*time.Minute), map[string]float64{"latency": 100 + float64(200%24)})
	calm, err := d.Detect(context.Background(), model, next)
	if err != nil {
		t.Fatalf("detect continuation: %v", err)
	}
	if calm.IsAnomaly {
		t.Fatalf("pattern continuation flagged as anomaly, score=%v", calm.AnomalyScore)
	}

	spike, err := d.Detect(context.Background(), model, point(base.Add(201*time.Minute), map[string]float64{"latency": 800}))
	if err != nil {
		t.Fatalf("detect spike: %v", err)
	}
	if !spike.IsAnomaly {
		t.Fatalf("spike score %v not above threshold %v", spike.AnomalyScore, model.Threshold)
	}
	if spike.AnomalyScore > 1 {
		t.Fatalf("score %v above 1", spike.AnomalyScore)
	}
	if calm.AnomalyScore >= spike.AnomalyScore {
		t.Fatalf("continuation score %v not below spike score %v", calm.AnomalyScore, spike.AnomalyScore)
	}
}

func TestSeriesMissingFeatureIsNeverAnomalous(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.1)
	if err := d.Train(context.Background(), model, sawtoothPoints(50, 10)); err != nil {
		t.Fatalf("train: %v", err)
	}

	r, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"other": 1}))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if r.IsAnomaly || r.AnomalyScore != 0 {
		t.Fatalf("point without the tracked feature flagged: %+v", r)
	}
}

func TestSeriesHistoryBounded(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.8)
	if err := d.Train(context.Background(), model, sawtoothPoints(1500, 24)); err != nil {
		t.Fatalf("train: %v", err)
	}
	if got := d.SampleCount("s1"); got != maxHistory {
		t.Fatalf("history length = %d, want trimmed to %d", got, maxHistory)
	}

	// detects keep appending but the bound holds
	next := time.Now()
	for i := 0; i < 50; i++ {
		if _, err := d.Detect(context.Background(), model, point(next.Add(time.Duration(i)*time.Minute), map[string]float64{"latency": 100})); err != nil {
			t.Fatalf("detect: %v", err)
		}
	}
	if got := d.SampleCount("s1"); got != maxHistory {
		t.Fatalf("history length after detects = %d, want %d", got, maxHistory)
	}
}

func TestSeriesUpdateKeepsSeasonality(t *testing.T) {
	d := NewSeriesDetector(nil)
	model := seriesModel("s1", 0.8)
	if err := d.Train(context.Background(), model, sawtoothPoints(200, 24)); err != nil {
		t.Fatalf("train: %v", err)
	}
	before, _ := d.Seasonality("s1")
	if before != 24 {
		t.Fatalf("seasonality = %d, want 24", before)
	}

	// flat continuation would re-detect differently; update must not re-scan
	base := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	flat := make([]models.DataPoint, 0, 100)
	for i := 0; i < 100; i++ {
		flat = append(flat, point(base.Add(time.Duration(i)*time.Minute), map[string]float64{"latency": 100}))
	}
	if err := d.Update(context.Background(), model, flat); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _ := d.Seasonality("s1")
	if before != after {
		t.Fatalf("seasonality changed on update: %d -> %d", before, after)
	}
	if got := d.SampleCount("s1"); got != 300 {
		t.Fatalf("history length = %d, want 300", got)
	}
}

func TestSeriesUpdateWithoutState(t *testing.T) {
	d := NewSeriesDetector(nil)
	err := d.Update(context.Background(), seriesModel("s1", 0.5), sawtoothPoints(10, 5))
	if CodeOf(err) != CodeModelNotTrained {
		t.Fatalf("code = %q, want MODEL_NOT_TRAINED", CodeOf(err))
	}
}

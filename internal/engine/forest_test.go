package engine

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

func forestModel(id string, threshold float64, params map[string]any, features ...string) *models.AnomalyDetectionModel {
	return &models.AnomalyDetectionModel{
		ID:         id,
		Name:       id,
		Type:       models.TypeIsolationForest,
		Threshold:  threshold,
		Parameters: params,
		TrainingData: models.TrainingData{
			Source:   "telemetry",
			Features: features,
		},
	}
}

// clusterPoints generates a tight two-feature cluster around (10, 10).
func clusterPoints(n int, seed int64) []models.DataPoint {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, point(base.Add(time.Duration(i)*time.Second), map[string]float64{
			"cpu": 10 + rng.Float64(),
			"mem": 10 + rng.Float64(),
		}))
	}
	return points
}

func TestForestOutlierScoresHigher(t *testing.T) {
	d := NewForestDetector(nil)
	model := forestModel("f1", 0.6, map[string]any{"numTrees": 50, "seed": int64(1)}, "cpu", "mem")

	if err := d.Train(context.Background(), model, clusterPoints(512, 7)); err != nil {
		t.Fatalf("train: %v", err)
	}

	inlier, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"cpu": 10.5, "mem": 10.5}))
	if err != nil {
		t.Fatalf("detect inlier: %v", err)
	}
	outlier, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"cpu": 100, "mem": -50}))
	if err != nil {
		t.Fatalf("detect outlier: %v", err)
	}

	if outlier.AnomalyScore <= inlier.AnomalyScore {
		t.Fatalf("outlier score %v not above inlier score %v", outlier.AnomalyScore, inlier.AnomalyScore)
	}
	for _, r := range []*models.AnomalyDetectionResult{inlier, outlier} {
		if r.AnomalyScore < 0 || r.AnomalyScore > 1 {
			t.Fatalf("score %v out of [0,1]", r.AnomalyScore)
		}
	}
	if !outlier.IsAnomaly {
		t.Fatalf("far outlier not flagged: score=%v threshold=%v", outlier.AnomalyScore, model.Threshold)
	}
}

func TestForestSeededTrainingIsDeterministic(t *testing.T) {
	params := map[string]any{"numTrees": 20, "seed": int64(99)}
	probe := point(time.Now(), map[string]float64{"cpu": 42, "mem": 3})

	scores := make([]float64, 2)
	for i := range scores {
		d := NewForestDetector(nil)
		model := forestModel("f1", 0.6, params, "cpu", "mem")
		if err := d.Train(context.Background(), model, clusterPoints(256, 7)); err != nil {
			t.Fatalf("train: %v", err)
		}
		r, err := d.Detect(context.Background(), model, probe)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		scores[i] = r.AnomalyScore
	}
	if scores[0] != scores[1] {
		t.Fatalf("same seed produced different scores: %v vs %v", scores[0], scores[1])
	}
}

func TestForestSampleSizeCapRespected(t *testing.T) {
	d := NewForestDetector(nil)
	// only 30 points, below the default 256 cap
	model := forestModel("f1", 0.6, map[string]any{"numTrees": 10, "seed": int64(5)}, "cpu", "mem")
	if err := d.Train(context.Background(), model, clusterPoints(30, 3)); err != nil {
		t.Fatalf("train: %v", err)
	}

	d.mu.RLock()
	f := d.forests["f1"]
	d.mu.RUnlock()
	if f.sampleSize != 30 {
		t.Fatalf("sample size = %d, want clamped 30", f.sampleSize)
	}
	if f.trainedOn != 30 {
		t.Fatalf("trainedOn = %d, want 30", f.trainedOn)
	}
}

func TestForestMissingSplitFeatureRoutesToLargerChild(t *testing.T) {
	left := &treeNode{depth: 1, size: 9}
	right := &treeNode{depth: 1, size: 1}
	root := &treeNode{feature: "cpu", threshold: 5, left: left, right: right, size: 10}

	got := pathLength(root, map[string]float64{"mem": 3})
	want := pathLength(root, map[string]float64{"cpu": 1}) // explicit left
	if got != want {
		t.Fatalf("missing feature path %v, want larger-child path %v", got, want)
	}
}

func TestForestTrainHonorsCancellation(t *testing.T) {
	d := NewForestDetector(nil)
	model := forestModel("f1", 0.6, map[string]any{"numTrees": 1000}, "cpu", "mem")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Train(ctx, model, clusterPoints(512, 1))
	if err == nil {
		t.Fatalf("cancelled train succeeded")
	}
	if d.Trained("f1") {
		t.Fatalf("cancelled train installed a forest")
	}
}

func TestAvgPathLength(t *testing.T) {
	if got := avgPathLength(1); got != 0 {
		t.Fatalf("c(1) = %v, want 0", got)
	}
	if got := avgPathLength(0); got != 0 {
		t.Fatalf("c(0) = %v, want 0", got)
	}
	// c(2) = 2(ln(1)+gamma) - 2*1/2 = 2*gamma - 1
	want := 2*eulerMascheroni - 1
	if math.Abs(avgPathLength(2)-want) > 1e-12 {
		t.Fatalf("c(2) = %v, want %v", avgPathLength(2), want)
	}
	if avgPathLength(256) <= avgPathLength(16) {
		t.Fatalf("c(n) must grow with n")
	}
}

func TestDefaultMaxDepth(t *testing.T) {
	cases := []struct{ n, want int }{
		{1, 1},
		{2, 1},
		{100, 7},
		{256, 8},
		{257, 9},
	}
	for _, c := range cases {
		if got := defaultMaxDepth(c.n); got != c.want {
			t.Fatalf("defaultMaxDepth(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

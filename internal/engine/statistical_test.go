package engine

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

func trainStatistical(t *testing.T, d *StatisticalDetector, model *models.AnomalyDetectionModel, points []models.DataPoint) {
	t.Helper()
	if err := d.Train(context.Background(), model, points); err != nil {
		t.Fatalf("train: %v", err)
	}
}

func TestStatisticalBaseline(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.5, "cpu", "mem")

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	points := []models.DataPoint{
		point(base, map[string]float64{"cpu": 2, "mem": 10}),
		point(base.Add(time.Second), map[string]float64{"cpu": 4, "mem": 20}),
		point(base.Add(2*time.Second), map[string]float64{"cpu": 6, "mem": 30}),
	}
	trainStatistical(t, d, model, points)

	b, ok := d.Baseline("m1")
	if !ok {
		t.Fatalf("baseline missing after train")
	}
	if b.Means["cpu"] != 4 {
		t.Fatalf("cpu mean = %v, want 4", b.Means["cpu"])
	}
	// population std of {2,4,6} is sqrt(8/3)
	want := math.Sqrt(8.0 / 3.0)
	if math.Abs(b.Stds["cpu"]-want) > 1e-12 {
		t.Fatalf("cpu std = %v, want %v", b.Stds["cpu"], want)
	}
	if b.SampleCount != 3 {
		t.Fatalf("sample count = %d, want 3", b.SampleCount)
	}

	// cpu and mem move together, correlation ~1; diagonal exactly 1
	if b.Correlations[0][0] != 1 || b.Correlations[1][1] != 1 {
		t.Fatalf("diagonal not 1: %v", b.Correlations)
	}
	if math.Abs(b.Correlations[0][1]-1) > 1e-9 {
		t.Fatalf("cpu/mem correlation = %v, want ~1", b.Correlations[0][1])
	}
	if b.Correlations[0][1] != b.Correlations[1][0] {
		t.Fatalf("correlation matrix not symmetric")
	}
}

func TestStatisticalZeroVarianceFeatureNeverContributes(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.1, "flat", "cpu")

	base := time.Now()
	points := make([]models.DataPoint, 0, 40)
	for i := 0; i < 40; i++ {
		v := 1.0
		if i%2 == 0 {
			v = -1.0
		}
		points = append(points, point(base.Add(time.Duration(i)*time.Second), map[string]float64{
			"flat": 7, // constant, std 0
			"cpu":  v,
		}))
	}
	trainStatistical(t, d, model, points)

	// wildly off "flat" value alone must not raise the score
	r, err := d.Detect(context.Background(), model, point(base, map[string]float64{"flat": 1e9, "cpu": 0}))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if r.AnomalyScore != 0 || r.IsAnomaly {
		t.Fatalf("zero-variance feature contributed: score=%v", r.AnomalyScore)
	}
}

func TestStatisticalMissingFeatureSkipped(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.1, "cpu", "mem")
	trainStatistical(t, d, model, unitBaseline(40, "cpu"))

	// point carries neither declared feature with variance; no error, score 0
	r, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"disk": 123}))
	if err != nil {
		t.Fatalf("detect with missing features: %v", err)
	}
	if r.AnomalyScore != 0 {
		t.Fatalf("score = %v, want 0", r.AnomalyScore)
	}
}

func TestStatisticalExplanationNamesFeatures(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.3, "cpu")
	trainStatistical(t, d, model, unitBaseline(40, "cpu"))

	r, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"cpu": 20}))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !strings.Contains(r.Explanation, "cpu") {
		t.Fatalf("explanation %q does not name the contributing feature", r.Explanation)
	}
	if r.Confidence != 1 {
		t.Fatalf("confidence = %v, want saturated 1", r.Confidence)
	}

	quiet, err := d.Detect(context.Background(), model, point(time.Now(), map[string]float64{"cpu": 0.5}))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if quiet.Explanation != "no anomaly detected" {
		t.Fatalf("quiet explanation = %q", quiet.Explanation)
	}
}

func TestStatisticalUpdateMergesMean(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.5, "cpu")

	base := time.Now()
	initial := []models.DataPoint{
		point(base, map[string]float64{"cpu": 0}),
		point(base, map[string]float64{"cpu": 10}),
	}
	trainStatistical(t, d, model, initial)

	batch := []models.DataPoint{
		point(base, map[string]float64{"cpu": 20}),
		point(base, map[string]float64{"cpu": 30}),
	}
	if err := d.Update(context.Background(), model, batch); err != nil {
		t.Fatalf("update: %v", err)
	}

	b, _ := d.Baseline("m1")
	// (5*2 + 25*2) / 4 = 15
	if b.Means["cpu"] != 15 {
		t.Fatalf("merged mean = %v, want 15", b.Means["cpu"])
	}
	if b.SampleCount != 4 {
		t.Fatalf("sample count = %d, want 4", b.SampleCount)
	}
}

func TestStatisticalUpdateLeavesSnapshotIntact(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.5, "cpu")

	base := time.Now()
	trainStatistical(t, d, model, []models.DataPoint{
		point(base, map[string]float64{"cpu": 0}),
		point(base, map[string]float64{"cpu": 10}),
	})

	before, _ := d.Baseline("m1")
	if err := d.Update(context.Background(), model, []models.DataPoint{
		point(base, map[string]float64{"cpu": 20}),
		point(base, map[string]float64{"cpu": 30}),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// a reader holding the pre-update snapshot must keep seeing it whole
	if before.Means["cpu"] != 5 || before.SampleCount != 2 {
		t.Fatalf("pre-update snapshot mutated: mean=%v samples=%d",
			before.Means["cpu"], before.SampleCount)
	}
	after, _ := d.Baseline("m1")
	if after == before {
		t.Fatalf("update did not swap in a fresh baseline")
	}
	if after.Means["cpu"] != 15 {
		t.Fatalf("merged mean = %v, want 15", after.Means["cpu"])
	}
}

func TestStatisticalConcurrentDetectAndUpdate(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.5, "cpu")
	trainStatistical(t, d, model, unitBaseline(100, "cpu"))

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			batch := []models.DataPoint{
				point(time.Now(), map[string]float64{"cpu": float64(i % 5)}),
			}
			if err := d.Update(ctx, model, batch); err != nil {
				t.Errorf("update: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 500; i++ {
		p := point(time.Now(), map[string]float64{"cpu": float64(i % 7)})
		if _, err := d.Detect(ctx, model, p); err != nil {
			t.Fatalf("detect during update: %v", err)
		}
	}
	<-done
}

func TestStatisticalUpdateWithoutBaseline(t *testing.T) {
	d := NewStatisticalDetector(nil)
	model := statModel("m1", 0.5, "cpu")
	err := d.Update(context.Background(), model, unitBaseline(4, "cpu"))
	if CodeOf(err) != CodeModelNotTrained {
		t.Fatalf("code = %q, want MODEL_NOT_TRAINED", CodeOf(err))
	}
}

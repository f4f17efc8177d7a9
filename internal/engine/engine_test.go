package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"Driftline/internal/domain/models"
)

func statModel(id string, threshold float64, features ...string) *models.AnomalyDetectionModel {
	return &models.AnomalyDetectionModel{
		ID:        id,
		Name:      id,
		Type:      models.TypeStatistical,
		Threshold: threshold,
		TrainingData: models.TrainingData{
			Source:   "telemetry",
			Features: features,
		},
	}
}

func point(ts time.Time, features map[string]float64) models.DataPoint {
	return models.DataPoint{Timestamp: ts, Features: features}
}

// alternating -1/+1 gives mean 0 and population std exactly 1.
func unitBaseline(n int, feature string) []models.DataPoint {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.DataPoint, 0, n)
	for i := 0; i < n; i++ {
		v := 1.0
		if i%2 == 0 {
			v = -1.0
		}
		points = append(points, point(base.Add(time.Duration(i)*time.Second), map[string]float64{feature: v}))
	}
	return points
}

func TestRegisterAndLookup(t *testing.T) {
	e := New()
	defer e.Close()

	m := statModel("m1", 0.5, "cpu")
	if err := e.RegisterModel(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.RegisterModel(m); err == nil {
		t.Fatalf("duplicate register accepted")
	}

	got, err := e.Model("m1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "m1" || got.Type != models.TypeStatistical {
		t.Fatalf("unexpected model: %+v", got)
	}

	_, err = e.Model("nope")
	if CodeOf(err) != CodeModelNotFound {
		t.Fatalf("missing model code = %q, want MODEL_NOT_FOUND", CodeOf(err))
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	e := New()
	defer e.Close()

	if err := e.RegisterModel(&models.AnomalyDetectionModel{ID: "x", Type: "gradient_boost"}); err == nil {
		t.Fatalf("unknown type accepted")
	}
	bad := statModel("x", 1.5, "cpu")
	if err := e.RegisterModel(bad); err == nil {
		t.Fatalf("threshold 1.5 accepted")
	}
}

func TestDetectBeforeTrain(t *testing.T) {
	e := New()
	defer e.Close()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := e.DetectAnomalies(context.Background(), "m1", unitBaseline(4, "cpu"))
	if CodeOf(err) != CodeModelNotTrained {
		t.Fatalf("code = %q, want MODEL_NOT_TRAINED", CodeOf(err))
	}
}

func TestAutoencoderUnsupported(t *testing.T) {
	e := New()
	defer e.Close()

	m := statModel("ae", 0.5, "cpu")
	m.Type = models.TypeAutoencoder
	if err := e.RegisterModel(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := e.TrainModel(context.Background(), "ae", unitBaseline(10, "cpu"))
	if CodeOf(err) != CodeUnsupportedModelType {
		t.Fatalf("train code = %q, want UNSUPPORTED_MODEL_TYPE", CodeOf(err))
	}
	_, err = e.DetectAnomalies(context.Background(), "ae", unitBaseline(1, "cpu"))
	if CodeOf(err) != CodeUnsupportedModelType {
		t.Fatalf("detect code = %q, want UNSUPPORTED_MODEL_TYPE", CodeOf(err))
	}
}

func TestTrainingFailureKeepsPreviousState(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(20, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	// empty batch fails and must leave the baseline intact
	err := e.TrainModel(ctx, "m1", nil)
	if CodeOf(err) != CodeTrainingFailed {
		t.Fatalf("code = %q, want TRAINING_FAILED", CodeOf(err))
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Err == nil {
		t.Fatalf("TRAINING_FAILED should wrap a cause, got %v", err)
	}

	results, err := e.DetectAnomalies(ctx, "m1", unitBaseline(1, "cpu"))
	if err != nil {
		t.Fatalf("detect after failed retrain: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestStrictThresholdComparison(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	// mean 0, std 1; value 2.5 gives z=2.5 and score exactly 0.5
	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(100, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	at := point(time.Now(), map[string]float64{"cpu": 2.5})
	results, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{at})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if results[0].AnomalyScore != 0.5 {
		t.Fatalf("score = %v, want exactly 0.5", results[0].AnomalyScore)
	}
	if results[0].IsAnomaly {
		t.Fatalf("score equal to threshold must not be an anomaly")
	}
}

func TestDetectionCacheHitAndInvalidation(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(50, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	p := point(time.Now(), map[string]float64{"cpu": 0.4})
	first, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{p})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	second, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{p})
	if err != nil {
		t.Fatalf("detect (cached): %v", err)
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("expected cached result, got fresh id %s vs %s", second[0].ID, first[0].ID)
	}

	// retrain drops this model's cached entries
	if err := e.TrainModel(ctx, "m1", unitBaseline(50, "cpu")); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	third, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{p})
	if err != nil {
		t.Fatalf("detect after retrain: %v", err)
	}
	if third[0].ID == first[0].ID {
		t.Fatalf("cache served a stale result after retrain")
	}
}

func TestDetectOutputOrderMatchesInput(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(50, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	base := time.Now()
	in := []models.DataPoint{
		point(base, map[string]float64{"cpu": 0.1}),
		point(base.Add(time.Second), map[string]float64{"cpu": 9.0}),
		point(base.Add(2*time.Second), map[string]float64{"cpu": 0.2}),
	}
	results, err := e.DetectAnomalies(ctx, "m1", in)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if !r.Timestamp.Equal(in[i].Timestamp) {
			t.Fatalf("result %d out of order", i)
		}
	}
	if !results[1].IsAnomaly || results[0].IsAnomaly || results[2].IsAnomaly {
		t.Fatalf("unexpected anomaly flags: %v %v %v",
			results[0].IsAnomaly, results[1].IsAnomaly, results[2].IsAnomaly)
	}
}

func TestEventsEmitted(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	var registered, trained, updated, anomalies int
	e.Events().Subscribe(EventModelRegistered, func(Event) { registered++ })
	e.Events().Subscribe(EventModelTrained, func(Event) { trained++ })
	e.Events().Subscribe(EventModelUpdated, func(Event) { updated++ })
	e.Events().Subscribe(EventAnomalyDetected, func(ev Event) {
		anomalies++
		if _, ok := ev.Payload.(*models.AnomalyDetectionResult); !ok {
			t.Errorf("anomaly payload type %T", ev.Payload)
		}
	})

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(50, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := e.UpdateModel(ctx, "m1", unitBaseline(10, "cpu")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{
		point(time.Now(), map[string]float64{"cpu": 50}),
	}); err != nil {
		t.Fatalf("detect: %v", err)
	}

	if registered != 1 || trained != 1 || updated != 1 || anomalies != 1 {
		t.Fatalf("event counts registered=%d trained=%d updated=%d anomalies=%d",
			registered, trained, updated, anomalies)
	}
}

func TestPanickingSubscriberDoesNotBreakDetection(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	e.Events().SubscribeAll(func(Event) { panic("bad subscriber") })

	if err := e.RegisterModel(statModel("m1", 0.1, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(50, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}
	results, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{
		point(time.Now(), map[string]float64{"cpu": 50}),
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(results) != 1 || !results[0].IsAnomaly {
		t.Fatalf("detection result lost after subscriber panic")
	}
}

func TestUpdateNoopForForest(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	m := statModel("f1", 0.6, "cpu")
	m.Type = models.TypeIsolationForest
	m.Parameters = map[string]any{"numTrees": 10, "seed": 42}
	if err := e.RegisterModel(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "f1", unitBaseline(64, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	var updates int
	e.Events().Subscribe(EventModelUpdated, func(Event) { updates++ })
	if err := e.UpdateModel(ctx, "f1", unitBaseline(10, "cpu")); err != nil {
		t.Fatalf("update must be a silent no-op for forests, got %v", err)
	}
	if updates != 0 {
		t.Fatalf("no-op update emitted model:updated")
	}
}

func TestEvaluateModel(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(100, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	// rates must be nil before any evaluation
	mm, err := e.GetModelMetrics("m1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if mm.Accuracy != nil || mm.FalsePositiveRate != nil || mm.FalseNegativeRate != nil {
		t.Fatalf("metrics fabricated before evaluation: %+v", mm)
	}
	if mm.SampleCount != 100 {
		t.Fatalf("sample count = %d, want 100", mm.SampleCount)
	}

	now := time.Now()
	labeled := []models.LabeledPoint{
		{Point: point(now, map[string]float64{"cpu": 0.2}), Anomaly: false},        // TN
		{Point: point(now, map[string]float64{"cpu": 0.3}), Anomaly: false},        // TN
		{Point: point(now, map[string]float64{"cpu": 50}), Anomaly: true},          // TP
		{Point: point(now, map[string]float64{"cpu": 40}), Anomaly: false},         // FP
		{Point: point(now, map[string]float64{"cpu": 0.1}), Anomaly: true},         // FN
	}
	got, err := e.EvaluateModel(ctx, "m1", labeled)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Accuracy == nil || *got.Accuracy != 0.6 {
		t.Fatalf("accuracy = %v, want 0.6", got.Accuracy)
	}
	if got.FalsePositiveRate == nil || *got.FalsePositiveRate != 1.0/3.0 {
		t.Fatalf("fp rate = %v, want 1/3", got.FalsePositiveRate)
	}
	if got.FalseNegativeRate == nil || *got.FalseNegativeRate != 0.5 {
		t.Fatalf("fn rate = %v, want 0.5", got.FalseNegativeRate)
	}

	model, err := e.Model("m1")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if model.Accuracy == nil || *model.Accuracy != 0.6 {
		t.Fatalf("model accuracy not updated: %v", model.Accuracy)
	}
}

func TestConcurrentEvaluateAndMetrics(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(100, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	labeled := []models.LabeledPoint{
		{Point: point(time.Now(), map[string]float64{"cpu": 0.2}), Anomaly: false},
		{Point: point(time.Now(), map[string]float64{"cpu": 50}), Anomaly: true},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := e.EvaluateModel(ctx, "m1", labeled); err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		mm, err := e.GetModelMetrics("m1")
		if err != nil {
			t.Fatalf("metrics during evaluate: %v", err)
		}
		if mm.Accuracy != nil && *mm.Accuracy != 1 {
			t.Fatalf("accuracy = %v, want 1", *mm.Accuracy)
		}
	}
	<-done
}

func TestConcurrentDetectDuringTrain(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	if err := e.RegisterModel(statModel("m1", 0.5, "cpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.TrainModel(ctx, "m1", unitBaseline(100, "cpu")); err != nil {
		t.Fatalf("train: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = e.TrainModel(ctx, "m1", unitBaseline(100, "cpu"))
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := e.DetectAnomalies(ctx, "m1", []models.DataPoint{
			point(time.Now(), map[string]float64{"cpu": float64(i % 3)}),
		}); err != nil {
			t.Fatalf("detect during retrain: %v", err)
		}
	}
	<-done
}

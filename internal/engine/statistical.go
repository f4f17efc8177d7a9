package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"Driftline/internal/domain/models"
	"Driftline/pkg/logger"
	"Driftline/pkg/stats"
)

// zContribution is the z-score above which a feature starts to count
// toward the anomaly score; zSaturation is where its contribution
// saturates at 1.
const (
	zContribution = 2.0
	zSaturation   = 5.0
)

// Baseline is the trained state of a statistical model: per-feature
// means and population standard deviations plus the pairwise Pearson
// correlation matrix over the declared features.
type Baseline struct {
	FeatureNames []string
	Means        map[string]float64
	Stds         map[string]float64
	Correlations [][]float64
	Threshold    float64
	SampleCount  int
	LastUpdated  time.Time
}

// StatisticalDetector scores points by z-score distance from a trained
// per-feature baseline. State is swapped wholesale on train so readers
// always observe a complete baseline.
type StatisticalDetector struct {
	mu        sync.RWMutex
	baselines map[string]*Baseline
	log       *logger.Logger
}

func NewStatisticalDetector(log *logger.Logger) *StatisticalDetector {
	return &StatisticalDetector{
		baselines: make(map[string]*Baseline),
		log:       log,
	}
}

// Train builds a fresh baseline from points. A failed train leaves any
// previous baseline untouched.
func (d *StatisticalDetector) Train(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("no training points for model %s", model.ID)
	}
	features := model.TrainingData.Features
	if len(features) == 0 {
		return fmt.Errorf("model %s declares no features", model.ID)
	}

	b := &Baseline{
		FeatureNames: append([]string(nil), features...),
		Means:        make(map[string]float64, len(features)),
		Stds:         make(map[string]float64, len(features)),
		Correlations: correlationMatrix(features, points),
		Threshold:    model.Threshold,
		SampleCount:  len(points),
		LastUpdated:  time.Now(),
	}
	for _, name := range features {
		values := featureValues(points, name)
		b.Means[name] = stats.Mean(values)
		b.Stds[name] = stats.StdDev(values)
	}

	d.mu.Lock()
	d.baselines[model.ID] = b
	d.mu.Unlock()

	if d.log != nil {
		d.log.Info("statistical baseline trained",
			logger.String("model_id", model.ID),
			logger.Int("samples", b.SampleCount),
			logger.Int("features", len(features)),
		)
	}
	return nil
}

// Detect scores one point against the model's baseline. Features absent
// from the point or with a zero-variance baseline never contribute.
func (d *StatisticalDetector) Detect(ctx context.Context, model *models.AnomalyDetectionModel, point models.DataPoint) (*models.AnomalyDetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	b, ok := d.baselines[model.ID]
	d.mu.RUnlock()
	if !ok {
		return nil, errModelNotTrained(model.ID)
	}

	var (
		score        float64
		contributing []string
	)
	for _, name := range b.FeatureNames {
		v, present := point.Features[name]
		if !present {
			continue
		}
		std := b.Stds[name]
		if std == 0 {
			continue
		}
		z := math.Abs((v - b.Means[name]) / std)
		if z <= zContribution {
			continue
		}
		contributing = append(contributing, fmt.Sprintf("%s (z=%.2f)", name, z))
		if s := math.Min(z/zSaturation, 1); s > score {
			score = s
		}
	}

	explanation := "no anomaly detected"
	if len(contributing) > 0 {
		explanation = "anomalous features: " + strings.Join(contributing, ", ")
	}
	return &models.AnomalyDetectionResult{
		ID:           newResultID(model.ID),
		Timestamp:    point.Timestamp,
		AnomalyScore: score,
		IsAnomaly:    score > model.Threshold,
		Features:     point.Features,
		Explanation:  explanation,
		Confidence:   math.Min(score*2, 1),
	}, nil
}

// Update merges a new batch into the existing baseline: the mean is the
// exact weighted merge, while the std is recomputed from the batch
// against the merged mean. That keeps updates O(batch) at the cost of
// an approximate std, which drifts toward the recent batch.
// The merge builds a fresh Baseline and swaps it in, so an in-flight
// Detect keeps scoring against the complete pre-update state.
func (d *StatisticalDetector) Update(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	d.mu.RLock()
	old, ok := d.baselines[model.ID]
	d.mu.RUnlock()
	if !ok {
		return errModelNotTrained(model.ID)
	}

	b := &Baseline{
		FeatureNames: old.FeatureNames,
		Means:        make(map[string]float64, len(old.Means)),
		Stds:         make(map[string]float64, len(old.Stds)),
		Correlations: old.Correlations,
		Threshold:    old.Threshold,
		SampleCount:  old.SampleCount + len(points),
		LastUpdated:  time.Now(),
	}
	oldN := float64(old.SampleCount)
	for _, name := range old.FeatureNames {
		values := featureValues(points, name)
		if len(values) == 0 {
			b.Means[name] = old.Means[name]
			b.Stds[name] = old.Stds[name]
			continue
		}
		batchN := float64(len(values))
		merged := (old.Means[name]*oldN + stats.Mean(values)*batchN) / (oldN + batchN)

		var sum float64
		for _, v := range values {
			dv := v - merged
			sum += dv * dv
		}
		b.Means[name] = merged
		b.Stds[name] = math.Sqrt(sum / batchN)
	}

	d.mu.Lock()
	d.baselines[model.ID] = b
	d.mu.Unlock()
	return nil
}

func (d *StatisticalDetector) Trained(modelID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.baselines[modelID]
	return ok
}

func (d *StatisticalDetector) SampleCount(modelID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if b, ok := d.baselines[modelID]; ok {
		return b.SampleCount
	}
	return 0
}

func (d *StatisticalDetector) Drop(modelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.baselines, modelID)
}

// Baseline returns a point-in-time view of a model's baseline.
func (d *StatisticalDetector) Baseline(modelID string) (*Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.baselines[modelID]
	return b, ok
}

// featureValues collects the values of one feature across points,
// skipping points that do not carry it.
func featureValues(points []models.DataPoint, name string) []float64 {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		if v, ok := p.Features[name]; ok {
			values = append(values, v)
		}
	}
	return values
}

// correlationMatrix computes pairwise Pearson correlations over the
// declared features. Each pair uses only the points carrying both
// features. The diagonal is 1; degenerate pairs yield 0.
func correlationMatrix(features []string, points []models.DataPoint) [][]float64 {
	n := len(features)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			xs := make([]float64, 0, len(points))
			ys := make([]float64, 0, len(points))
			for _, p := range points {
				x, okX := p.Features[features[i]]
				y, okY := p.Features[features[j]]
				if okX && okY {
					xs = append(xs, x)
					ys = append(ys, y)
				}
			}
			r := stats.Pearson(xs, ys)
			m[i][j] = r
			m[j][i] = r
		}
	}
	return m
}

package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"Driftline/internal/domain/models"
	"Driftline/pkg/logger"
	"Driftline/pkg/stats"
)

const (
	// maxHistory bounds the retained observation window per model.
	maxHistory = 1000
	// maxSeasonalityLag caps the lag scan during seasonality detection.
	maxSeasonalityLag = 50
	// minSeasonalityPoints is the series length below which the
	// seasonality defaults to 1.
	minSeasonalityPoints = 10
	// minWindow is the floor of the moving-average window.
	minWindow = 5
)

// seriesObs is one retained observation. scored is false for raw points
// appended by Update before the baseline pass ran over them.
type seriesObs struct {
	ts        int64
	value     float64
	predicted float64
	residual  float64
	scored    bool
}

// seriesState is the trained state of a time-series model: a bounded,
// time-ordered history plus the detected seasonality.
type seriesState struct {
	feature     string
	seasonality int
	history     []seriesObs
}

// SeriesDetector scores points by their residual against a seasonal
// moving-average prediction over the model's single declared feature.
type SeriesDetector struct {
	mu     sync.RWMutex
	states map[string]*seriesState
	log    *logger.Logger
}

func NewSeriesDetector(log *logger.Logger) *SeriesDetector {
	return &SeriesDetector{
		states: make(map[string]*seriesState),
		log:    log,
	}
}

// Train sorts the points by timestamp, detects seasonality over the
// first declared feature and computes moving-average residuals. The new
// state replaces any previous one only on success.
func (d *SeriesDetector) Train(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("no training points for model %s", model.ID)
	}
	if len(model.TrainingData.Features) == 0 {
		return fmt.Errorf("model %s declares no features", model.ID)
	}
	feature := model.TrainingData.Features[0]

	obs := make([]seriesObs, 0, len(points))
	for _, p := range points {
		v, ok := p.Features[feature]
		if !ok {
			continue
		}
		obs = append(obs, seriesObs{ts: p.Timestamp.UnixNano(), value: v})
	}
	if len(obs) == 0 {
		return fmt.Errorf("no values for feature %q in training points", feature)
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].ts < obs[j].ts })

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.value
	}
	seasonality := detectSeasonality(values)
	rescoreHistory(obs, seasonality)

	if len(obs) > maxHistory {
		obs = obs[len(obs)-maxHistory:]
	}
	state := &seriesState{feature: feature, seasonality: seasonality, history: obs}

	d.mu.Lock()
	d.states[model.ID] = state
	d.mu.Unlock()

	if d.log != nil {
		d.log.Info("time-series baseline trained",
			logger.String("model_id", model.ID),
			logger.String("feature", feature),
			logger.Int("seasonality", seasonality),
			logger.Int("samples", len(obs)),
		)
	}
	return nil
}

// Detect predicts the point's value as the mean of the most recent
// seasonality*2 history values and scores the residual against the
// residual distribution of the history. The observation is appended to
// the history afterwards.
func (d *SeriesDetector) Detect(ctx context.Context, model *models.AnomalyDetectionModel, point models.DataPoint) (*models.AnomalyDetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[model.ID]
	if !ok {
		return nil, errModelNotTrained(model.ID)
	}

	value, present := point.Features[state.feature]
	if !present {
		// a point without the tracked feature can never be anomalous
		return &models.AnomalyDetectionResult{
			ID:           newResultID(model.ID),
			Timestamp:    point.Timestamp,
			AnomalyScore: 0,
			IsAnomaly:    false,
			Features:     point.Features,
			Explanation:  fmt.Sprintf("feature %q missing from point", state.feature),
			Confidence:   0,
		}, nil
	}

	window := state.seasonality * 2
	predicted := recentMean(state.history, window)
	residual := math.Abs(value - predicted)

	residuals := make([]float64, 0, len(state.history))
	for _, o := range state.history {
		if o.scored {
			residuals = append(residuals, o.residual)
		}
	}
	resMean := stats.Mean(residuals)
	resStd := stats.StdDev(residuals)

	var score float64
	if resStd > 0 {
		score = math.Min(residual/(resMean+2*resStd), 1)
	}

	state.history = append(state.history, seriesObs{
		ts:        point.Timestamp.UnixNano(),
		value:     value,
		predicted: predicted,
		residual:  residual,
		scored:    true,
	})
	if len(state.history) > maxHistory {
		state.history = state.history[len(state.history)-maxHistory:]
	}

	explanation := fmt.Sprintf("residual %.4f against predicted %.4f (seasonality %d)", residual, predicted, state.seasonality)
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

// Update appends raw observations, trims the history and recomputes the
// moving-average residuals over the retained window. The seasonality
// detected at train time is kept.
func (d *SeriesDetector) Update(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[model.ID]
	if !ok {
		return errModelNotTrained(model.ID)
	}

	for _, p := range points {
		v, ok := p.Features[state.feature]
		if !ok {
			continue
		}
		state.history = append(state.history, seriesObs{ts: p.Timestamp.UnixNano(), value: v})
	}
	sort.Slice(state.history, func(i, j int) bool { return state.history[i].ts < state.history[j].ts })
	if len(state.history) > maxHistory {
		state.history = state.history[len(state.history)-maxHistory:]
	}
	rescoreHistory(state.history, state.seasonality)
	return nil
}

func (d *SeriesDetector) Trained(modelID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.states[modelID]
	return ok
}

func (d *SeriesDetector) SampleCount(modelID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.states[modelID]; ok {
		return len(s.history)
	}
	return 0
}

func (d *SeriesDetector) Drop(modelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, modelID)
}

// Seasonality exposes the detected seasonality of a trained model.
func (d *SeriesDetector) Seasonality(modelID string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.states[modelID]; ok {
		return s.seasonality, true
	}
	return 0, false
}

// detectSeasonality scans lags 1..min(len/2, 50) and picks the one
// maximizing absolute autocorrelation. Short series default to 1.
func detectSeasonality(values []float64) int {
	if len(values) < minSeasonalityPoints {
		return 1
	}
	maxLag := len(values) / 2
	if maxLag > maxSeasonalityLag {
		maxLag = maxSeasonalityLag
	}
	best, bestCorr := 1, 0.0
	for lag := 1; lag <= maxLag; lag++ {
		if corr := math.Abs(stats.Autocorrelation(values, lag)); corr > bestCorr {
			best, bestCorr = lag, corr
		}
	}
	return best
}

// rescoreHistory recomputes predicted values and residuals over obs
// with a moving average of window max(seasonality, 5). Entries before
// the first full window stay unscored.
func rescoreHistory(obs []seriesObs, seasonality int) {
	window := seasonality
	if window < minWindow {
		window = minWindow
	}
	for i := range obs {
		if i < window {
			obs[i].scored = false
			continue
		}
		var sum float64
		for j := i - window; j < i; j++ {
			sum += obs[j].value
		}
		predicted := sum / float64(window)
		obs[i].predicted = predicted
		obs[i].residual = math.Abs(obs[i].value - predicted)
		obs[i].scored = true
	}
}

// recentMean averages the newest window values, or returns 0 for an
// empty history.
func recentMean(obs []seriesObs, window int) float64 {
	if len(obs) == 0 || window <= 0 {
		return 0
	}
	start := len(obs) - window
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, o := range obs[start:] {
		sum += o.value
	}
	return sum / float64(len(obs)-start)
}

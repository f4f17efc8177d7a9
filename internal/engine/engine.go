// Package engine hosts the pluggable anomaly-detection core: a model
// registry, per-family detectors, a memoizing detection cache and an
// in-process event bus. Persistence and delivery concerns live in the
// adapters around it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"Driftline/internal/domain/models"
	drepo "Driftline/internal/domain/repository"
	dservice "Driftline/internal/domain/service"
	"Driftline/pkg/logger"
)

var (
	_ dservice.OnlineDetector = (*StatisticalDetector)(nil)
	_ dservice.Detector       = (*ForestDetector)(nil)
	_ dservice.OnlineDetector = (*SeriesDetector)(nil)
)

// modelEntry pairs a registered model with its evaluation state. trainMu
// serializes train/update/evaluate per model id; detects run lock-free
// against detector snapshots.
type modelEntry struct {
	trainMu sync.Mutex
	model   *models.AnomalyDetectionModel

	accuracy *float64
	fpRate   *float64
	fnRate   *float64
}

// Engine is the façade over registration, training, detection, online
// updates and evaluation.
type Engine struct {
	mu      sync.RWMutex
	entries map[string]*modelEntry

	statistical *StatisticalDetector
	forest      *ForestDetector
	series      *SeriesDetector

	cache   *detectionCache
	bus     *Bus
	log     *logger.Logger
	metrics drepo.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger injects a structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics injects a metrics recorder.
func WithMetrics(m drepo.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCacheFlushInterval overrides the wholesale detection-cache flush
// interval (default 30 minutes).
func WithCacheFlushInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.cache.Close()
		e.cache = newDetectionCache(d)
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		entries: make(map[string]*modelEntry),
		cache:   newDetectionCache(0),
		bus:     NewBus(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.statistical = NewStatisticalDetector(e.log)
	e.forest = NewForestDetector(e.log)
	e.series = NewSeriesDetector(e.log)
	return e
}

// Events exposes the engine's event bus for subscribers.
func (e *Engine) Events() *Bus { return e.bus }

// Close stops the detection cache's flush timer.
func (e *Engine) Close() { e.cache.Close() }

// RegisterModel stores the model in the registry and emits
// model:registered. Type and ID are immutable afterwards; registering
// an existing id is rejected.
func (e *Engine) RegisterModel(model *models.AnomalyDetectionModel) error {
	if model == nil || model.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if !model.Type.Valid() {
		return errUnsupportedType(model.ID, string(model.Type))
	}
	if model.Threshold < 0 || model.Threshold > 1 {
		return fmt.Errorf("model %s: threshold %v out of [0,1]", model.ID, model.Threshold)
	}

	e.mu.Lock()
	if _, exists := e.entries[model.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("model %s is already registered", model.ID)
	}
	e.entries[model.ID] = &modelEntry{model: model.Clone()}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Info("model registered",
			logger.String("model_id", model.ID),
			logger.String("type", string(model.Type)),
		)
	}
	e.emit(Event{Name: EventModelRegistered, ModelID: model.ID, Payload: model.Clone()})
	return nil
}

// Model returns a snapshot of a registered model.
func (e *Engine) Model(id string) (*models.AnomalyDetectionModel, error) {
	entry, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return entry.model.Clone(), nil
}

// Models returns snapshots of every registered model.
func (e *Engine) Models() []*models.AnomalyDetectionModel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.AnomalyDetectionModel, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, entry.model.Clone())
	}
	return out
}

// TrainModel trains the model on points. The detector state is replaced
// atomically on success; on failure the previous state stays live and
// the error is wrapped as TRAINING_FAILED.
func (e *Engine) TrainModel(ctx context.Context, id string, points []models.DataPoint) error {
	entry, err := e.entry(id)
	if err != nil {
		return err
	}
	detector, derr := e.detectorFor(entry.model)
	if derr != nil {
		return derr
	}

	entry.trainMu.Lock()
	defer entry.trainMu.Unlock()

	start := time.Now()
	if err := detector.Train(ctx, e.snapshot(entry), points); err != nil {
		e.recordError("training")
		werr := errTrainingFailed(id, err)
		if e.log != nil {
			e.log.Error("model training failed",
				logger.String("model_id", id),
				logger.Error(err),
			)
		}
		return werr
	}

	e.mu.Lock()
	entry.model.LastTrained = time.Now()
	model := entry.model.Clone()
	e.mu.Unlock()

	e.cache.InvalidateModel(id)
	if e.metrics != nil {
		e.metrics.RecordTrainingDuration(string(model.Type), time.Since(start).Seconds())
	}
	if e.log != nil {
		e.log.Info("model trained",
			logger.String("model_id", id),
			logger.String("type", string(model.Type)),
			logger.Int("points", len(points)),
			logger.Duration("duration_ms", time.Since(start)),
		)
	}
	e.emit(Event{Name: EventModelTrained, ModelID: id, Payload: model})
	return nil
}

// DetectAnomalies scores the points in order. Each point is served from
// the detection cache when its (model, feature vector) key is present,
// and scored by the detector otherwise. anomaly:detected is emitted for
// every result whose IsAnomaly is true.
func (e *Engine) DetectAnomalies(ctx context.Context, id string, points []models.DataPoint) ([]*models.AnomalyDetectionResult, error) {
	entry, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	detector, derr := e.detectorFor(entry.model)
	if derr != nil {
		return nil, derr
	}
	if !detector.Trained(id) {
		return nil, errModelNotTrained(id)
	}
	model := e.snapshot(entry)

	results := make([]*models.AnomalyDetectionResult, 0, len(points))
	for _, p := range points {
		key := cacheKey(id, p.Features)
		if cached, ok := e.cache.Get(key); ok {
			if e.metrics != nil {
				e.metrics.RecordCacheHit()
			}
			results = append(results, cached)
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordCacheMiss()
		}

		r, err := detector.Detect(ctx, model, p)
		if err != nil {
			e.recordError("detection")
			if CodeOf(err) != "" {
				return nil, err
			}
			return nil, errDetectionFailed(id, err)
		}
		e.cache.Set(key, r)
		results = append(results, r)
		if e.metrics != nil {
			e.metrics.RecordDetection(string(model.Type))
		}
	}

	for _, r := range results {
		if !r.IsAnomaly {
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordAnomaly(id)
		}
		if e.log != nil {
			e.log.Warn("anomaly detected",
				logger.String("model_id", id),
				logger.Float64("score", r.AnomalyScore),
				logger.String("explanation", r.Explanation),
			)
		}
		e.emit(Event{Name: EventAnomalyDetected, ModelID: id, Payload: r})
	}
	return results, nil
}

// UpdateModel refines the model online with new points. Only the
// statistical and time-series families support it; for other types the
// call logs and returns without error.
func (e *Engine) UpdateModel(ctx context.Context, id string, points []models.DataPoint) error {
	entry, err := e.entry(id)
	if err != nil {
		return err
	}
	detector, derr := e.detectorFor(entry.model)
	if derr != nil {
		return derr
	}
	online, ok := detector.(dservice.OnlineDetector)
	if !ok {
		if e.log != nil {
			e.log.Info("online update not supported, skipping",
				logger.String("model_id", id),
				logger.String("type", string(entry.model.Type)),
			)
		}
		return nil
	}

	entry.trainMu.Lock()
	defer entry.trainMu.Unlock()

	if err := online.Update(ctx, e.snapshot(entry), points); err != nil {
		e.recordError("update")
		if CodeOf(err) != "" {
			return err
		}
		return errTrainingFailed(id, err)
	}
	e.emit(Event{Name: EventModelUpdated, ModelID: id, Payload: e.snapshot(entry)})
	return nil
}

// EvaluateModel scores labeled points against the trained model and
// derives accuracy, false-positive rate and false-negative rate. Rates
// with an empty denominator stay nil. The cache is bypassed so cached
// scores never leak into evaluation.
func (e *Engine) EvaluateModel(ctx context.Context, id string, labeled []models.LabeledPoint) (*models.ModelMetrics, error) {
	entry, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	detector, derr := e.detectorFor(entry.model)
	if derr != nil {
		return nil, derr
	}
	if !detector.Trained(id) {
		return nil, errModelNotTrained(id)
	}
	if len(labeled) == 0 {
		return nil, fmt.Errorf("model %s: no labeled points to evaluate", id)
	}

	entry.trainMu.Lock()
	defer entry.trainMu.Unlock()

	model := e.snapshot(entry)
	var tp, tn, fp, fn int
	for _, lp := range labeled {
		r, err := detector.Detect(ctx, model, lp.Point)
		if err != nil {
			e.recordError("evaluation")
			if CodeOf(err) != "" {
				return nil, err
			}
			return nil, errDetectionFailed(id, err)
		}
		switch {
		case r.IsAnomaly && lp.Anomaly:
			tp++
		case r.IsAnomaly && !lp.Anomaly:
			fp++
		case !r.IsAnomaly && lp.Anomaly:
			fn++
		default:
			tn++
		}
	}

	accuracy := float64(tp+tn) / float64(len(labeled))

	e.mu.Lock()
	entry.accuracy = &accuracy
	entry.fpRate = rate(fp, fp+tn)
	entry.fnRate = rate(fn, fn+tp)
	entry.model.Accuracy = &accuracy
	e.mu.Unlock()

	if e.log != nil {
		e.log.Info("model evaluated",
			logger.String("model_id", id),
			logger.Int("points", len(labeled)),
			logger.Float64("accuracy", accuracy),
		)
	}
	return e.metricsLocked(id, entry, detector), nil
}

// GetModelMetrics reports the model's evaluation metrics. Rate fields
// are nil until EvaluateModel has run.
func (e *Engine) GetModelMetrics(id string) (*models.ModelMetrics, error) {
	entry, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	detector, derr := e.detectorFor(entry.model)
	if derr != nil {
		return nil, derr
	}
	return e.metricsLocked(id, entry, detector), nil
}

func (e *Engine) metricsLocked(id string, entry *modelEntry, detector dservice.Detector) *models.ModelMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &models.ModelMetrics{
		Accuracy:          copyRate(entry.accuracy),
		FalsePositiveRate: copyRate(entry.fpRate),
		FalseNegativeRate: copyRate(entry.fnRate),
		LastTrained:       entry.model.LastTrained,
		SampleCount:       detector.SampleCount(id),
	}
}

func (e *Engine) entry(id string) (*modelEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[id]
	if !ok {
		return nil, errModelNotFound(id)
	}
	return entry, nil
}

// snapshot returns a copy of the entry's model for detectors to read
// without holding the registry lock.
func (e *Engine) snapshot(entry *modelEntry) *models.AnomalyDetectionModel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return entry.model.Clone()
}

// detectorFor dispatches by model type. The autoencoder family is
// registered but intentionally unimplemented.
func (e *Engine) detectorFor(model *models.AnomalyDetectionModel) (dservice.Detector, *Error) {
	switch model.Type {
	case models.TypeStatistical:
		return e.statistical, nil
	case models.TypeIsolationForest:
		return e.forest, nil
	case models.TypeTimeSeries:
		return e.series, nil
	default:
		return nil, errUnsupportedType(model.ID, string(model.Type))
	}
}

func (e *Engine) emit(ev Event) {
	if e.metrics != nil {
		e.metrics.RecordEvent(ev.Name)
	}
	e.bus.Emit(ev)
}

func (e *Engine) recordError(kind string) {
	if e.metrics != nil {
		e.metrics.RecordError(kind)
	}
}

func rate(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	r := float64(num) / float64(den)
	return &r
}

func copyRate(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var resultSeq atomic.Uint64

// newResultID builds a unique result id from the model id, the clock
// and a process-wide sequence.
func newResultID(modelID string) string {
	return fmt.Sprintf("%s-%d-%d", modelID, time.Now().UnixNano(), resultSeq.Add(1))
}

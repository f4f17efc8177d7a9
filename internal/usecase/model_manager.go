package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Driftline/internal/domain/models"
	drepo "Driftline/internal/domain/repository"
	"Driftline/internal/engine"
	"Driftline/pkg/cache"
	applogger "Driftline/pkg/logger"
	"Driftline/pkg/util"
)

// defaultMetricsTTL caches model-metrics reads briefly; evaluation and
// training invalidate explicitly.
const defaultMetricsTTL = 30 * time.Second

// ModelManager orchestrates the engine against the training store and
// caches metrics reads for the API layer.
type ModelManager struct {
	eng        *engine.Engine
	store      drepo.TrainingStore
	cache      cache.Service
	metricsTTL time.Duration
	l          *applogger.Logger
}

func NewModelManager(eng *engine.Engine, store drepo.TrainingStore, c cache.Service, metricsTTL time.Duration, l *applogger.Logger) *ModelManager {
	if metricsTTL <= 0 {
		metricsTTL = defaultMetricsTTL
	}
	return &ModelManager{eng: eng, store: store, cache: c, metricsTTL: metricsTTL, l: l}
}

// Register adds a model to the engine registry.
func (m *ModelManager) Register(ctx context.Context, model *models.AnomalyDetectionModel) error {
	return m.eng.RegisterModel(model)
}

// Models lists registered models.
func (m *ModelManager) Models(ctx context.Context) []*models.AnomalyDetectionModel {
	return m.eng.Models()
}

// Model returns one registered model.
func (m *ModelManager) Model(ctx context.Context, id string) (*models.AnomalyDetectionModel, error) {
	return m.eng.Model(id)
}

// Train trains the model with caller-provided points. When points is
// empty the model's declared training window is loaded from the store.
func (m *ModelManager) Train(ctx context.Context, id string, points []models.DataPoint) error {
	if len(points) == 0 {
		loaded, err := m.loadTrainingWindow(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		points = loaded
	}
	if err := m.eng.TrainModel(ctx, id, points); err != nil {
		return err
	}
	m.dropMetricsCache(ctx, id)
	return nil
}

// TrainWindow retrains from the store over an explicit time range,
// overriding the window declared on the model.
func (m *ModelManager) TrainWindow(ctx context.Context, id string, from, to time.Time) error {
	points, err := m.loadTrainingWindow(ctx, id, from, to)
	if err != nil {
		return err
	}
	if err := m.eng.TrainModel(ctx, id, points); err != nil {
		return err
	}
	m.dropMetricsCache(ctx, id)
	return nil
}

func (m *ModelManager) loadTrainingWindow(ctx context.Context, id string, from, to time.Time) ([]models.DataPoint, error) {
	if m.store == nil {
		return nil, fmt.Errorf("no training store configured and no points provided")
	}
	model, err := m.eng.Model(id)
	if err != nil {
		return nil, err
	}
	td := model.TrainingData
	if from.IsZero() || to.IsZero() {
		from, to = td.TimeRange.From, td.TimeRange.To
	}
	from, to = util.AlignRange(from, to, time.Second)
	points, err := m.store.LoadPoints(ctx, td.Source, from, to, td.Features)
	if err != nil {
		return nil, fmt.Errorf("load training window: %w", err)
	}
	if m.l != nil {
		m.l.Info("training window loaded",
			applogger.String("model_id", id),
			applogger.String("source", td.Source),
			applogger.Int("points", len(points)),
		)
	}
	return points, nil
}

// Detect scores points with the model.
func (m *ModelManager) Detect(ctx context.Context, id string, points []models.DataPoint) ([]*models.AnomalyDetectionResult, error) {
	return m.eng.DetectAnomalies(ctx, id, points)
}

// Update refines the model online.
func (m *ModelManager) Update(ctx context.Context, id string, points []models.DataPoint) error {
	if err := m.eng.UpdateModel(ctx, id, points); err != nil {
		return err
	}
	m.dropMetricsCache(ctx, id)
	return nil
}

// Evaluate runs a labeled evaluation and refreshes the metrics cache.
func (m *ModelManager) Evaluate(ctx context.Context, id string, labeled []models.LabeledPoint) (*models.ModelMetrics, error) {
	mm, err := m.eng.EvaluateModel(ctx, id, labeled)
	if err != nil {
		return nil, err
	}
	m.dropMetricsCache(ctx, id)
	return mm, nil
}

// Metrics returns evaluation metrics for a model, served from the
// response cache when fresh.
func (m *ModelManager) Metrics(ctx context.Context, id string) (*models.ModelMetrics, error) {
	key := metricsCacheKey(id)
	if m.cache != nil {
		var cached models.ModelMetrics
		err := m.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) && m.l != nil {
			m.l.Warn("metrics cache read failed",
				applogger.String("model_id", id),
				applogger.Error(err),
			)
		}
	}

	mm, err := m.eng.GetModelMetrics(id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, key, mm, m.metricsTTL); err != nil && m.l != nil {
			m.l.Warn("metrics cache write failed",
				applogger.String("model_id", id),
				applogger.Error(err),
			)
		}
	}
	return mm, nil
}

func (m *ModelManager) dropMetricsCache(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, metricsCacheKey(id)); err != nil && m.l != nil {
		m.l.Warn("metrics cache invalidation failed",
			applogger.String("model_id", id),
			applogger.Error(err),
		)
	}
}

func metricsCacheKey(id string) string {
	return cache.GenerateKey("model_metrics", id)
}

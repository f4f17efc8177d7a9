package models

import "time"

// ModelType enumerates the detector families the engine can host.
type ModelType string

const (
	TypeStatistical     ModelType = "statistical"
	TypeIsolationForest ModelType = "isolation_forest"
	TypeTimeSeries      ModelType = "time_series"
	TypeAutoencoder     ModelType = "autoencoder"
)

// Valid reports whether t is one of the known model types.
func (t ModelType) Valid() bool {
	switch t {
	case TypeStatistical, TypeIsolationForest, TypeTimeSeries, TypeAutoencoder:
		return true
	}
	return false
}

// TimeRange bounds the training window of a model.
type TimeRange struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

// TrainingData describes where a model's training points come from.
// Source names a table in the training store; Features is the ordered
// list of feature names the model is declared over.
type TrainingData struct {
	Source    string    `json:"source" validate:"required"`
	TimeRange TimeRange `json:"timeRange"`
	Features  []string  `json:"features" validate:"required,min=1,dive,required"`
}

// AnomalyDetectionModel is the registry entry for one detector instance.
// ID and Type are immutable after registration.
type AnomalyDetectionModel struct {
	ID           string         `json:"id" validate:"required"`
	Name         string         `json:"name" validate:"required"`
	Type         ModelType      `json:"type" validate:"required,oneof=statistical isolation_forest time_series autoencoder"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	TrainingData TrainingData   `json:"trainingData"`
	Threshold    float64        `json:"threshold" validate:"gte=0,lte=1"`
	LastTrained  time.Time      `json:"lastTrained,omitempty"`
	Accuracy     *float64       `json:"accuracy,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// sharing the parameter map.
func (m *AnomalyDetectionModel) Clone() *AnomalyDetectionModel {
	cp := *m
	if m.Parameters != nil {
		cp.Parameters = make(map[string]any, len(m.Parameters))
		for k, v := range m.Parameters {
			cp.Parameters[k] = v
		}
	}
	if m.TrainingData.Features != nil {
		cp.TrainingData.Features = append([]string(nil), m.TrainingData.Features...)
	}
	if m.Accuracy != nil {
		a := *m.Accuracy
		cp.Accuracy = &a
	}
	return &cp
}

// DataPoint is a single multi-feature telemetry observation. Points are
// transient inputs; the engine never stores them beyond detector state.
type DataPoint struct {
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// LabeledPoint pairs a point with its ground-truth label for evaluation.
type LabeledPoint struct {
	Point   DataPoint `json:"point"`
	Anomaly bool      `json:"anomaly"`
}

// AnomalyDetectionResult is the immutable outcome of scoring one point.
type AnomalyDetectionResult struct {
	ID            string             `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	AnomalyScore  float64            `json:"anomalyScore"`
	IsAnomaly     bool               `json:"isAnomaly"`
	Features      map[string]float64 `json:"features"`
	Explanation   string             `json:"explanation"`
	Confidence    float64            `json:"confidence"`
	RelatedEvents []string           `json:"relatedEvents,omitempty"`
}

// ModelMetrics reports evaluation quality for one model. Rate fields are
// nil until an evaluation has run; they are never fabricated.
type ModelMetrics struct {
	Accuracy          *float64  `json:"accuracy"`
	FalsePositiveRate *float64  `json:"falsePositiveRate"`
	FalseNegativeRate *float64  `json:"falseNegativeRate"`
	LastTrained       time.Time `json:"lastTrained"`
	SampleCount       int       `json:"sampleCount"`
}

// PointBatch groups incoming telemetry points destined for one model.
type PointBatch struct {
	ModelID string      `json:"model"`
	Points  []DataPoint `json:"points"`
}

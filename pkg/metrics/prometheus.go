package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	detections    *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	eventsEmitted *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	trainingTime  *prometheus.HistogramVec
	latency       *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		detections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_detections_total",
				Help: "Total number of points scored, by model type",
			},
			[]string{"model_type"},
		),
		anomalies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_anomalies_total",
				Help: "Total number of anomalies flagged, by model",
			},
			[]string{"model_id"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		eventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_events_emitted_total",
				Help: "Total number of engine events emitted",
			},
			[]string{"event"},
		),
		cacheRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_detection_cache_requests_total",
				Help: "Detection cache lookups by result",
			},
			[]string{"result"},
		),
		trainingTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftline_training_duration_seconds",
				Help:    "Duration of model training in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model_type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftline_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordDetection counts one scored point.
func (r *Recorder) RecordDetection(modelType string) {
	r.detections.WithLabelValues(modelType).Inc()
}

// RecordAnomaly counts one flagged anomaly.
func (r *Recorder) RecordAnomaly(modelID string) {
	r.anomalies.WithLabelValues(modelID).Inc()
}

// RecordTrainingDuration observes one training run.
func (r *Recorder) RecordTrainingDuration(modelType string, seconds float64) {
	r.trainingTime.WithLabelValues(modelType).Observe(seconds)
}

// RecordCacheHit counts a detection-cache hit.
func (r *Recorder) RecordCacheHit() {
	r.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a detection-cache miss.
func (r *Recorder) RecordCacheMiss() {
	r.cacheRequests.WithLabelValues("miss").Inc()
}

// RecordEvent counts an emitted engine event.
func (r *Recorder) RecordEvent(name string) {
	r.eventsEmitted.WithLabelValues(name).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

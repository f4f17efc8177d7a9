package usecase

import (
	"context"
	"encoding/json"
	"time"

	"Driftline/internal/domain/models"
	domrepo "Driftline/internal/domain/repository"
	mid "Driftline/internal/middleware"
	pkgkafka "Driftline/pkg/kafka"
)

// KafkaPointsHandler consumes telemetry batches from Kafka and feeds
// them into the detect pipeline.
type KafkaPointsHandler struct {
	topic   string
	pipe    *mid.DetectPipeline
	metrics domrepo.Metrics
}

func NewKafkaPointsHandler(topic string, pipe *mid.DetectPipeline, metrics domrepo.Metrics) *KafkaPointsHandler {
	return &KafkaPointsHandler{topic: topic, pipe: pipe, metrics: metrics}
}

func (h *KafkaPointsHandler) Topic() string { return h.topic }

// incoming message schema: {model, points: [{t, features, metadata}]}
func (h *KafkaPointsHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		Model  string `json:"model"`
		Points []struct {
			T        int64              `json:"t"` // ms
			Features map[string]float64 `json:"features"`
			Metadata map[string]any     `json:"metadata"`
		} `json:"points"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}

	batch := &models.PointBatch{
		ModelID: m.Model,
		Points:  make([]models.DataPoint, 0, len(m.Points)),
	}
	var newest time.Time
	for _, p := range m.Points {
		ts := time.UnixMilli(p.T)
		if ts.After(newest) {
			newest = ts
		}
		batch.Points = append(batch.Points, models.DataPoint{
			Timestamp: ts,
			Features:  p.Features,
			Metadata:  p.Metadata,
		})
	}
	if !newest.IsZero() {
		// E2E latency from event time to now (approx)
		h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(newest).Seconds())
	}

	start := time.Now()
	err := h.pipe.Process(ctx, batch)
	h.metrics.RecordLatency("detect_batch_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("consumer_detect")
		return err
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaPointsHandler)(nil)

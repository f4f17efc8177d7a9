package repository

import (
	"context"
	"time"

	"Driftline/internal/domain/models"
)

// TelemetryStream delivers batches of telemetry points from an external
// feed, keyed by the model that should score them.
type TelemetryStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.PointBatch, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// TrainingStore loads historical training windows for a model. Source
// names a table in the backing store.
type TrainingStore interface {
	LoadPoints(ctx context.Context, source string, from, to time.Time, features []string) ([]models.DataPoint, error)
	Health(ctx context.Context) error
	Close() error
}

// EventSink receives engine lifecycle and detection events at the
// integration boundary. Delivery is best-effort.
type EventSink interface {
	Start(ctx context.Context)
	Close() error
}

type Metrics interface {
	RecordDetection(modelType string)
	RecordAnomaly(modelID string)
	RecordTrainingDuration(modelType string, seconds float64)
	RecordCacheHit()
	RecordCacheMiss()
	RecordEvent(name string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

package usecase

import (
	"context"

	"Driftline/internal/domain/models"
	drepo "Driftline/internal/domain/repository"
	mid "Driftline/internal/middleware"
)

// TelemetryCollector consumes point batches from the telemetry stream
// and pushes them through the detect pipeline.
type TelemetryCollector struct {
	stream  drepo.TelemetryStream
	pipe    *mid.DetectPipeline
	metrics drepo.Metrics
}

// NewTelemetryCollector creates a new TelemetryCollector instance.
func NewTelemetryCollector(stream drepo.TelemetryStream, pipe *mid.DetectPipeline, metrics drepo.Metrics) *TelemetryCollector {
	return &TelemetryCollector{stream: stream, pipe: pipe, metrics: metrics}
}

// IsConnected returns true if the telemetry stream is connected.
func (c *TelemetryCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *TelemetryCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	batchCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, batchCh, errCh)
	return nil
}

func (c *TelemetryCollector) consume(ctx context.Context, batchCh <-chan *models.PointBatch, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				c.metrics.RecordError("stream")
				_ = c.stream.Reconnect(ctx)
			}
		case b := <-batchCh:
			if b == nil {
				continue
			}
			_ = c.pipe.Process(ctx, b)
		}
	}
}

func (c *TelemetryCollector) Stop() error { return c.stream.Close() }

// Shutdown stops the pipeline and closes the stream.
func (c *TelemetryCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}

package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Driftline/internal/domain/models"
	domrepo "Driftline/internal/domain/repository"
	"Driftline/internal/service/ratelimit"
)

// Detector is the minimal engine surface the pipeline needs.
type Detector interface {
	DetectAnomalies(ctx context.Context, modelID string, points []models.DataPoint) ([]*models.AnomalyDetectionResult, error)
}

// DetectPipeline sits between the telemetry feed and the engine. It
// validates batches, throttles per model, bounds the number of detect
// calls in flight, and buffers batches that fail downstream so a
// transient engine error does not lose telemetry.
type DetectPipeline struct {
	eng     Detector
	metrics domrepo.Metrics
	limiter *ratelimit.Limiter

	maxBatchRPS float64
	maxInFlight int
	bufSize     int

	inFlight chan struct{}
	bufCh    chan *models.PointBatch
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
}

type PipelineOption func(*DetectPipeline)

// WithMaxBatchRPS sets the max accepted batches per second per model.
func WithMaxBatchRPS(n float64) PipelineOption {
	return func(p *DetectPipeline) {
		if n > 0 {
			p.maxBatchRPS = n
		}
	}
}

// WithBufferSize sets the retry buffer size for failed batches.
func WithBufferSize(n int) PipelineOption {
	return func(p *DetectPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithMaxInFlight bounds concurrent detect calls.
func WithMaxInFlight(n int) PipelineOption {
	return func(p *DetectPipeline) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

// NewDetectPipeline creates a new pipeline.
func NewDetectPipeline(eng Detector, metrics domrepo.Metrics, opts ...PipelineOption) *DetectPipeline {
	p := &DetectPipeline{
		eng:         eng,
		metrics:     metrics,
		limiter:     ratelimit.New(),
		maxBatchRPS: 20,   // default throttle per model
		bufSize:     1000, // default retry buffer
		maxInFlight: 8,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.PointBatch, p.bufSize)
	p.inFlight = make(chan struct{}, p.maxInFlight)
	p.stopCh = make(chan struct{})
	return p
}

// Start launches background flushing of buffered batches.
func (p *DetectPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			case b := <-p.bufCh:
				if b == nil {
					continue
				}
				if err := p.detect(ctx, b); err != nil {
					// exponential backoff with cap
					if backoff < 2*time.Second {
						backoff *= 2
					}
					p.metrics.RecordError("pipeline_flush")
					time.Sleep(backoff)
					// requeue if space; drop otherwise
					select {
					case p.bufCh <- b:
					default:
						p.metrics.RecordError("pipeline_buffer_drop")
					}
				} else {
					backoff = 50 * time.Millisecond
				}
			}
		}
	}()
}

// Stop stops the background flushing.
func (p *DetectPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
}

// Process validates and throttles a batch, then runs detection,
// buffering the batch on downstream errors.
func (p *DetectPipeline) Process(ctx context.Context, b *models.PointBatch) error {
	start := time.Now()
	if err := validateBatch(b); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if !p.limiter.Allow(b.ModelID, p.maxBatchRPS, p.maxBatchRPS) {
		// throttled; record and drop silently
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.detect(ctx, b); err != nil {
		p.metrics.RecordError("pipeline_process")
		// buffer non-blocking
		select {
		case p.bufCh <- b:
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

// detect runs one batch under the in-flight bound.
func (p *DetectPipeline) detect(ctx context.Context, b *models.PointBatch) error {
	select {
	case p.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.inFlight }()
	_, err := p.eng.DetectAnomalies(ctx, b.ModelID, b.Points)
	return err
}

func validateBatch(b *models.PointBatch) error {
	if b == nil {
		return fmt.Errorf("batch nil")
	}
	if b.ModelID == "" {
		return fmt.Errorf("model id empty")
	}
	if len(b.Points) == 0 {
		return fmt.Errorf("batch empty")
	}
	for i := range b.Points {
		if b.Points[i].Timestamp.IsZero() {
			return fmt.Errorf("point %d has no timestamp", i)
		}
	}
	return nil
}

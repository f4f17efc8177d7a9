package service

import (
	"context"

	"Driftline/internal/domain/models"
)

// Detector is the contract each detector family implements. Train
// replaces the per-model state atomically on success; a failed Train
// leaves any previous state intact. Detect scores one point against
// the current state snapshot.
type Detector interface {
	Train(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error
	Detect(ctx context.Context, model *models.AnomalyDetectionModel, point models.DataPoint) (*models.AnomalyDetectionResult, error)
	Trained(modelID string) bool
	SampleCount(modelID string) int
	Drop(modelID string)
}

// OnlineDetector is implemented by detector families that support
// incremental refinement with new points.
type OnlineDetector interface {
	Detector
	Update(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error
}

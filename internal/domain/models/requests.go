package models

// RegisterModelRequest is the POST /api/models payload.
type RegisterModelRequest struct {
	ID           string         `json:"id" validate:"required"`
	Name         string         `json:"name" validate:"required"`
	Type         string         `json:"type" validate:"required,oneof=statistical isolation_forest time_series autoencoder"`
	Parameters   map[string]any `json:"parameters"`
	TrainingData TrainingData   `json:"trainingData" validate:"required"`
	Threshold    float64        `json:"threshold" default:"0.5" validate:"gte=0,lte=1"`
}

// Model converts the request into a registry entry.
func (r *RegisterModelRequest) Model() *AnomalyDetectionModel {
	return &AnomalyDetectionModel{
		ID:           r.ID,
		Name:         r.Name,
		Type:         ModelType(r.Type),
		Parameters:   r.Parameters,
		TrainingData: r.TrainingData,
		Threshold:    r.Threshold,
	}
}

// TrainModelRequest is the POST /api/models/:id/train payload. When Points
// is empty the training window is loaded from the configured store.
type TrainModelRequest struct {
	Points []DataPoint `json:"points"`
}

// DetectRequest is the POST /api/models/:id/detect payload.
type DetectRequest struct {
	Points []DataPoint `json:"points" validate:"required,min=1"`
}

// UpdateModelRequest is the POST /api/models/:id/update payload.
type UpdateModelRequest struct {
	Points []DataPoint `json:"points" validate:"required,min=1"`
}

// EvaluateModelRequest is the POST /api/models/:id/evaluate payload.
type EvaluateModelRequest struct {
	Points []LabeledPoint `json:"points" validate:"required,min=1"`
}

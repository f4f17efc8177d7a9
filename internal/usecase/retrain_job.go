package usecase

import (
	"context"
	"time"

	applogger "Driftline/pkg/logger"
	"Driftline/pkg/queue"
)

// RetrainPayload describes a queued retraining request. An empty range
// falls back to the window declared on the model.
type RetrainPayload struct {
	ModelID string    `json:"model_id"`
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
}

// RetrainJob retrains models in the background off the job queue.
type RetrainJob struct {
	manager *ModelManager
	l       *applogger.Logger
}

func NewRetrainJob(manager *ModelManager, l *applogger.Logger) *RetrainJob {
	return &RetrainJob{manager: manager, l: l}
}

func (j *RetrainJob) Name() string { return "model_retrain" }

func (j *RetrainJob) Type() string { return "model:retrain" }

func (j *RetrainJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[RetrainPayload](payload)
	if err != nil {
		return err
	}

	if !p.From.IsZero() && !p.To.IsZero() {
		err = j.manager.TrainWindow(ctx, p.ModelID, p.From, p.To)
	} else {
		err = j.manager.Train(ctx, p.ModelID, nil)
	}
	if err != nil {
		j.l.Error("background retrain failed",
			applogger.String("model_id", p.ModelID),
			applogger.Error(err),
		)
		return err
	}
	j.l.Info("background retrain complete", applogger.String("model_id", p.ModelID))
	return nil
}

var _ queue.Job = (*RetrainJob)(nil)

package api

import (
	"time"

	models "Driftline/internal/domain/models"
	"Driftline/internal/engine"
	svcmetrics "Driftline/internal/service/metrics"
	"Driftline/internal/usecase"
	xhttp "Driftline/pkg/http"
	xlogger "Driftline/pkg/logger"
	"Driftline/pkg/queue"

	"github.com/labstack/echo/v4"
)

// ModelsEchoHandler exposes the anomaly-detection engine over HTTP.
type ModelsEchoHandler struct {
	logger  *xlogger.Logger
	manager *usecase.ModelManager
	jobs    queue.QueueService
}

func NewModelsEchoHandler(logger *xlogger.Logger, manager *usecase.ModelManager) *ModelsEchoHandler {
	svcmetrics.Register()
	return &ModelsEchoHandler{logger: logger, manager: manager}
}

// SetJobQueue enables async retraining via the background job queue.
func (h *ModelsEchoHandler) SetJobQueue(q queue.QueueService) { h.jobs = q }

func (h *ModelsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/models")
	g.GET("", h.List)
	g.POST("", h.Register)
	g.GET("/:id", h.Get)
	g.POST("/:id/train", h.Train)
	g.POST("/:id/detect", h.Detect)
	g.POST("/:id/update", h.Update)
	g.POST("/:id/evaluate", h.Evaluate)
	g.GET("/:id/metrics", h.Metrics)
}

func (h *ModelsEchoHandler) List(c echo.Context) error {
	all := h.manager.Models(c.Request().Context())
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), len(all))
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return xhttp.SuccessResponse(c, all)
}

func (h *ModelsEchoHandler) Register(c echo.Context) error {
	defer h.observe("register", time.Now())
	req := &models.RegisterModelRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	if err := h.manager.Register(c.Request().Context(), req.Model()); err != nil {
		h.logger.Error("register model error", xlogger.Error(err))
		return h.engineError(c, "register", err)
	}
	return xhttp.CreatedResponse(c, req.Model())
}

func (h *ModelsEchoHandler) Get(c echo.Context) error {
	model, err := h.manager.Model(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.engineError(c, "get", err)
	}
	return xhttp.SuccessResponse(c, model)
}

func (h *ModelsEchoHandler) Train(c echo.Context) error {
	defer h.observe("train", time.Now())
	req := &models.TrainModelRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	id := c.Param("id")
	// from/to query params retrain from the store over an explicit
	// window instead of the one declared on the model.
	from, fromOK := xhttp.ParseTime(c.QueryParam("from"))
	to, toOK := xhttp.ParseTime(c.QueryParam("to"))

	// async=1 hands store-backed retraining to the job queue.
	if h.jobs != nil && len(req.Points) == 0 && c.QueryParam("async") == "1" {
		payload := usecase.RetrainPayload{ModelID: id}
		if fromOK && toOK {
			payload.From, payload.To = from, to
		}
		if err := h.jobs.PublishMessage(c.Request().Context(), "model:retrain", payload); err != nil {
			h.logger.Error("enqueue retrain error", xlogger.String("model_id", id), xlogger.Error(err))
			return h.engineError(c, "train", err)
		}
		return xhttp.SuccessResponse(c, map[string]string{"modelId": id, "status": "queued"})
	}

	var err error
	if len(req.Points) == 0 && fromOK && toOK {
		err = h.manager.TrainWindow(c.Request().Context(), id, from, to)
	} else {
		err = h.manager.Train(c.Request().Context(), id, req.Points)
	}
	if err != nil {
		h.logger.Error("train model error", xlogger.String("model_id", id), xlogger.Error(err))
		return h.engineError(c, "train", err)
	}
	return xhttp.SuccessResponse(c, map[string]string{"modelId": id, "status": "trained"})
}

func (h *ModelsEchoHandler) Detect(c echo.Context) error {
	defer h.observe("detect", time.Now())
	req := &models.DetectRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	id := c.Param("id")
	results, err := h.manager.Detect(c.Request().Context(), id, req.Points)
	if err != nil {
		h.logger.Error("detect error", xlogger.String("model_id", id), xlogger.Error(err))
		return h.engineError(c, "detect", err)
	}
	return xhttp.SuccessResponse(c, results)
}

func (h *ModelsEchoHandler) Update(c echo.Context) error {
	defer h.observe("update", time.Now())
	req := &models.UpdateModelRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	id := c.Param("id")
	if err := h.manager.Update(c.Request().Context(), id, req.Points); err != nil {
		h.logger.Error("update model error", xlogger.String("model_id", id), xlogger.Error(err))
		return h.engineError(c, "update", err)
	}
	return xhttp.SuccessResponse(c, map[string]string{"modelId": id, "status": "updated"})
}

func (h *ModelsEchoHandler) Evaluate(c echo.Context) error {
	defer h.observe("evaluate", time.Now())
	req := &models.EvaluateModelRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	id := c.Param("id")
	mm, err := h.manager.Evaluate(c.Request().Context(), id, req.Points)
	if err != nil {
		h.logger.Error("evaluate model error", xlogger.String("model_id", id), xlogger.Error(err))
		return h.engineError(c, "evaluate", err)
	}
	return xhttp.SuccessResponse(c, mm)
}

func (h *ModelsEchoHandler) Metrics(c echo.Context) error {
	defer h.observe("metrics", time.Now())
	id := c.Param("id")
	mm, err := h.manager.Metrics(c.Request().Context(), id)
	if err != nil {
		return h.engineError(c, "metrics", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, mm)
}

func (h *ModelsEchoHandler) observe(endpoint string, start time.Time) {
	svcmetrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// engineError maps engine error codes onto HTTP application errors.
func (h *ModelsEchoHandler) engineError(c echo.Context, endpoint string, err error) error {
	svcmetrics.APIErrors.WithLabelValues(endpoint).Inc()

	var appErr *xhttp.AppError
	switch engine.CodeOf(err) {
	case engine.CodeModelNotFound:
		appErr = xhttp.NotFoundError(err.Error())
	case engine.CodeUnsupportedModelType:
		appErr = xhttp.BadRequestError(err.Error())
	case engine.CodeModelNotTrained:
		appErr = xhttp.ConflictError(err.Error())
	case engine.CodeTrainingFailed:
		appErr = xhttp.UnprocessableError(err.Error())
	case engine.CodeDetectionFailed:
		appErr = xhttp.InternalError(err.Error())
	default:
		appErr = xhttp.BadRequestError(err.Error())
	}
	return xhttp.AppErrorResponse(c, appErr.WithError(err))
}

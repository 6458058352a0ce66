package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "quantlab/internal/errors"
	"quantlab/internal/infrastructure"
	"quantlab/internal/middleware"
	"quantlab/internal/operations"
	"quantlab/internal/services"
)

// StartHandler serves one POST .../start route. The handler is
// domain-agnostic: it decodes the envelope, hands the raw parameters to
// the service and answers 202 with the new operation id.
type StartHandler struct {
	name    string
	start   func(r *http.Request, req operations.StartRequest) (string, error)
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
	metrics *infrastructure.OperationMetrics
}

// NewBacktestStartHandler creates the POST /api/backtests/start handler.
func NewBacktestStartHandler(svc *services.BacktestService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *StartHandler {
	return newStartHandler("backtest", errorHandler, logger, func(r *http.Request, req operations.StartRequest) (string, error) {
		return svc.Start(r.Context(), req)
	})
}

// NewTrainingStartHandler creates the POST /api/training/start handler.
func NewTrainingStartHandler(svc *services.TrainingService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *StartHandler {
	return newStartHandler("training", errorHandler, logger, func(r *http.Request, req operations.StartRequest) (string, error) {
		return svc.Start(r.Context(), req)
	})
}

// NewDataStartHandler creates the POST /api/data/start handler.
func NewDataStartHandler(svc *services.DataService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *StartHandler {
	return newStartHandler("data_load", errorHandler, logger, func(r *http.Request, req operations.StartRequest) (string, error) {
		return svc.Start(r.Context(), req)
	})
}

func newStartHandler(name string, errorHandler *apierrors.ErrorHandler, logger *slog.Logger, start func(*http.Request, operations.StartRequest) (string, error)) *StartHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StartHandler{
		name:   name,
		start:  start,
		errors: errorHandler,
		logger: logger.With(slog.String("handler", name+"_start")),
	}
}

// SetMetrics wires the OTel instrument set; nil is allowed.
func (h *StartHandler) SetMetrics(metrics *infrastructure.OperationMetrics) {
	h.metrics = metrics
}

// startEnvelope is the request body of every start route.
type startEnvelope struct {
	Name       string                 `json:"name,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Bind implements render.Binder.
func (e *startEnvelope) Bind(r *http.Request) error {
	if len(e.Parameters) == 0 {
		return errors.New("parameters are required")
	}
	return nil
}

// ServeHTTP handles the start request. The response is 202: execution
// is asynchronous and the returned id is polled for progress.
func (h *StartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)

	ctx, span := otel.Tracer("operations-handler").Start(ctx, "operations.start",
		trace.WithAttributes(
			attribute.String("operation_type", h.name),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	envelope := &startEnvelope{}
	if err := render.Bind(r, envelope); err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	id, err := h.start(r, operations.StartRequest{
		Name:       envelope.Name,
		Parameters: envelope.Parameters,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, services.ErrInvalidParams) {
			h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("operation_id", id))
	if h.metrics != nil {
		h.metrics.OperationsStarted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("operation_type", h.name)))
	}
	h.logger.InfoContext(ctx, "operation start accepted",
		slog.String("operation_id", id),
		slog.String("operation_type", h.name))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, &operations.StartPayload{
		OperationID: id,
		Status:      "started",
	})
}

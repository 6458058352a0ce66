package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "quantlab/internal/errors"
	"quantlab/internal/infrastructure"
	"quantlab/internal/middleware"
	"quantlab/internal/operations"
)

// OperationsHandler serves the read side of the operation registry:
// listing, single-operation snapshots, incremental metrics and
// cancellation. Starts are domain-specific and live in StartHandler.
type OperationsHandler struct {
	service *operations.Service
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
	metrics *infrastructure.OperationMetrics
}

// NewOperationsHandler creates an operations handler.
func NewOperationsHandler(service *operations.Service, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *OperationsHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OperationsHandler{
		service: service,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "operations")),
	}
}

// SetMetrics wires the OTel instrument set; nil is allowed.
func (h *OperationsHandler) SetMetrics(metrics *infrastructure.OperationMetrics) {
	h.metrics = metrics
}

// Routes returns the chi router for /api/operations.
func (h *OperationsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListOperations)
	r.Get("/{id}", h.GetOperation)
	r.Get("/{id}/metrics", h.GetOperationMetrics)
	r.Delete("/{id}", h.CancelOperation)

	return r
}

// ListOperations handles GET /api/operations?status=
func (h *OperationsHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	status := operations.Status(r.URL.Query().Get("status"))

	ops := h.service.List(status)
	payloads := make([]*operations.OperationPayload, 0, len(ops))
	for _, op := range ops {
		payloads = append(payloads, operations.NewOperationPayload(op))
	}

	render.JSON(w, r, map[string]interface{}{
		"operations": payloads,
		"count":      len(payloads),
	})
}

// GetOperation handles GET /api/operations/{id}. force=true bypasses
// the snapshot cache.
func (h *OperationsHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	ctx, span := otel.Tracer("operations-handler").Start(ctx, "operations.get",
		trace.WithAttributes(
			attribute.String("operation_id", id),
			attribute.Bool("force", force),
			attribute.String("request_id", middleware.GetRequestID(ctx)),
		),
	)
	defer span.End()

	op, err := h.service.Get(ctx, id, force)
	if err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("operation_status", string(op.Status)),
		attribute.Bool("stale", op.Stale),
	)
	if h.metrics != nil && op.Stale {
		h.metrics.RemoteStaleServed.Add(ctx, 1)
	}

	render.JSON(w, r, operations.NewOperationPayload(op))
}

// GetOperationMetrics handles GET /api/operations/{id}/metrics?cursor=N.
// Returns the entries strictly after the cursor plus the new cursor;
// polling with the returned cursor yields at-least-once delivery.
func (h *OperationsHandler) GetOperationMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	entries, newCursor, err := h.service.Metrics(ctx, id, cursor)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []operations.MetricEntry{}
	}

	render.JSON(w, r, &operations.MetricsPayload{
		Metrics:   entries,
		NewCursor: newCursor,
	})
}

// CancelOperation handles DELETE /api/operations/{id}?reason=.
// Cancellation is cooperative: the request is acknowledged with 202 and
// the operation turns cancelled only once the worker unwinds.
func (h *OperationsHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := h.service.Cancel(ctx, id, reason); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.OperationCancelled.Add(ctx, 1)
	}
	h.logger.InfoContext(ctx, "cancellation accepted",
		slog.String("operation_id", id),
		slog.String("reason", reason))

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, &operations.CancelPayload{
		Status: "cancellation_requested",
		Reason: reason,
	})
}

func parseCursor(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

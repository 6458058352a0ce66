package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"quantlab/internal/config"
	apierrors "quantlab/internal/errors"
	"quantlab/internal/infrastructure"
	"quantlab/internal/middleware"
	"quantlab/internal/operations"
	"quantlab/internal/services"
	"quantlab/internal/websocket"
)

// RouterDeps collects everything the HTTP surface is built from.
type RouterDeps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Service   *operations.Service
	Backtests *services.BacktestService
	Training  *services.TrainingService
	Data      *services.DataService
	Hub       *websocket.Hub
	// Providers is optional; when set the router gets tracing middleware,
	// request metrics and a /metrics scrape endpoint.
	Providers *infrastructure.OTelProviders
}

// NewRouter assembles the service's full HTTP surface.
func NewRouter(deps RouterDeps) (chi.Router, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errorHandler := apierrors.NewErrorHandler(logger, false)

	opsHandler := NewOperationsHandler(deps.Service, errorHandler, logger)
	backtestStart := NewBacktestStartHandler(deps.Backtests, errorHandler, logger)
	trainingStart := NewTrainingStartHandler(deps.Training, errorHandler, logger)
	dataStart := NewDataStartHandler(deps.Data, errorHandler, logger)
	healthHandler := NewHealthHandler(deps.Service)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Compress(5))

	if deps.Config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(deps.Config.RateLimit.RPS, deps.Config.RateLimit.Burst, logger)
		r.Use(limiter.Handler)
	}

	if deps.Providers != nil {
		otelMW, err := middleware.NewOTelMiddleware(deps.Providers)
		if err != nil {
			return nil, err
		}
		r.Use(otelMW.Handler)
		opsHandler.SetMetrics(otelMW.Metrics())
		backtestStart.SetMetrics(otelMW.Metrics())
		trainingStart.SetMetrics(otelMW.Metrics())
		dataStart.SetMetrics(otelMW.Metrics())
	}

	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Get("/healthz", healthHandler.HealthCheck)
	r.Get("/readyz", healthHandler.ReadinessCheck)

	if deps.Providers != nil && deps.Providers.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", deps.Providers.PrometheusHTTP)
	}

	if deps.Hub != nil {
		wsHandler := NewWebSocketHandler(deps.Hub,
			deps.Config.WebSocket.ReadBufferSize,
			deps.Config.WebSocket.WriteBufferSize,
			logger)
		r.Method(http.MethodGet, "/ws", wsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(30*time.Second, logger))

		api.Mount("/operations", opsHandler.Routes())
		api.Method(http.MethodPost, "/backtests/start", backtestStart)
		api.Method(http.MethodPost, "/training/start", trainingStart)
		api.Method(http.MethodPost, "/data/start", dataStart)
	})

	return r, nil
}

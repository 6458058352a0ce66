package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"quantlab/internal/operations"
)

// BacktestParams are the validated parameters of a backtest run.
type BacktestParams struct {
	Symbol         string  `json:"symbol" validate:"required,uppercase,min=1,max=12"`
	Strategy       string  `json:"strategy" validate:"required,oneof=momentum mean_reversion breakout"`
	Bars           int     `json:"bars" validate:"required,min=1,max=10000000"`
	InitialCapital float64 `json:"initial_capital" validate:"required,gt=0"`
}

// BacktestEngine runs a strategy simulation. Implementations report
// progress through the bridge, poll the token at a bounded cadence and
// return a cancellation marker once it fires.
type BacktestEngine interface {
	Run(ctx context.Context, params BacktestParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error)
}

// BacktestService starts backtesting operations.
type BacktestService struct {
	orchestrator *operations.Orchestrator
	engine       BacktestEngine
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewBacktestService creates a backtest service.
func NewBacktestService(orchestrator *operations.Orchestrator, engine BacktestEngine, logger *slog.Logger) *BacktestService {
	if logger == nil {
		logger = slog.Default()
	}

	return &BacktestService{
		orchestrator: orchestrator,
		engine:       engine,
		validate:     validator.New(),
		logger:       logger.With(slog.String("component", "backtest_service")),
	}
}

// Start validates the request and launches a backtest operation,
// returning its id immediately.
func (s *BacktestService) Start(ctx context.Context, req operations.StartRequest) (string, error) {
	var params BacktestParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return "", err
	}
	if err := s.validate.Struct(params); err != nil {
		return "", err
	}

	if req.Name == "" {
		req.Name = fmt.Sprintf("%s backtest on %s", params.Strategy, params.Symbol)
	}

	id, err := s.orchestrator.Start(ctx, req, func(ctx context.Context, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
		return s.engine.Run(ctx, params, bridge, token)
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "backtest started",
		slog.String("operation_id", id),
		slog.String("symbol", params.Symbol),
		slog.String("strategy", params.Strategy),
		slog.Int("bars", params.Bars))
	return id, nil
}

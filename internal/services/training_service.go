package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"quantlab/internal/operations"
)

// TrainingParams are the validated parameters of a model training run.
type TrainingParams struct {
	Model        string  `json:"model" validate:"required,oneof=lstm gbm linear"`
	Dataset      string  `json:"dataset" validate:"required,min=1,max=128"`
	Epochs       int     `json:"epochs" validate:"required,min=1,max=100000"`
	LearningRate float64 `json:"learning_rate" validate:"required,gt=0,lte=1"`
}

// TrainingEngine runs a model fit. Same bridge/token contract as the
// other engines.
type TrainingEngine interface {
	Run(ctx context.Context, params TrainingParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error)
}

// TrainingService starts training operations.
type TrainingService struct {
	orchestrator *operations.Orchestrator
	engine       TrainingEngine
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewTrainingService creates a training service.
func NewTrainingService(orchestrator *operations.Orchestrator, engine TrainingEngine, logger *slog.Logger) *TrainingService {
	if logger == nil {
		logger = slog.Default()
	}

	return &TrainingService{
		orchestrator: orchestrator,
		engine:       engine,
		validate:     validator.New(),
		logger:       logger.With(slog.String("component", "training_service")),
	}
}

// Start validates the request and launches a training operation.
func (s *TrainingService) Start(ctx context.Context, req operations.StartRequest) (string, error) {
	var params TrainingParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return "", err
	}
	if err := s.validate.Struct(params); err != nil {
		return "", err
	}

	if req.Name == "" {
		req.Name = fmt.Sprintf("%s training on %s", params.Model, params.Dataset)
	}

	id, err := s.orchestrator.Start(ctx, req, func(ctx context.Context, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
		return s.engine.Run(ctx, params, bridge, token)
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "training started",
		slog.String("operation_id", id),
		slog.String("model", params.Model),
		slog.String("dataset", params.Dataset),
		slog.Int("epochs", params.Epochs))
	return id, nil
}

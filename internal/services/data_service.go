package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"quantlab/internal/operations"
)

// DataLoadParams are the validated parameters of a market data load.
type DataLoadParams struct {
	Source   string   `json:"source" validate:"required,oneof=exchange vendor archive"`
	Symbols  []string `json:"symbols" validate:"required,min=1,max=500,dive,uppercase,min=1,max=12"`
	From     string   `json:"from" validate:"required,datetime=2006-01-02"`
	To       string   `json:"to" validate:"required,datetime=2006-01-02"`
	Segments int      `json:"segments" validate:"omitempty,min=1,max=10000"`
}

// DataEngine ingests market data into the research store.
type DataEngine interface {
	Run(ctx context.Context, params DataLoadParams, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error)
}

// DataService starts data load operations.
type DataService struct {
	orchestrator *operations.Orchestrator
	engine       DataEngine
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewDataService creates a data service.
func NewDataService(orchestrator *operations.Orchestrator, engine DataEngine, logger *slog.Logger) *DataService {
	if logger == nil {
		logger = slog.Default()
	}

	return &DataService{
		orchestrator: orchestrator,
		engine:       engine,
		validate:     validator.New(),
		logger:       logger.With(slog.String("component", "data_service")),
	}
}

// Start validates the request and launches a data load operation.
func (s *DataService) Start(ctx context.Context, req operations.StartRequest) (string, error) {
	var params DataLoadParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return "", err
	}
	if err := s.validate.Struct(params); err != nil {
		return "", err
	}
	if params.Segments == 0 {
		params.Segments = len(params.Symbols)
	}

	if req.Name == "" {
		req.Name = fmt.Sprintf("%s load of %d symbols", params.Source, len(params.Symbols))
	}

	id, err := s.orchestrator.Start(ctx, req, func(ctx context.Context, bridge *operations.Bridge, token *operations.CancelToken) (interface{}, error) {
		return s.engine.Run(ctx, params, bridge, token)
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "data load started",
		slog.String("operation_id", id),
		slog.String("source", params.Source),
		slog.Int("symbols", len(params.Symbols)))
	return id, nil
}

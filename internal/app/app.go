package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantlab/internal/config"
	"quantlab/internal/infrastructure"
	"quantlab/internal/operations"
	"quantlab/internal/services"
	handlers "quantlab/internal/transport/http"
	ws "quantlab/internal/websocket"
)

// Application wires the whole service together: configuration, logging,
// telemetry, the operation registry, the three domain orchestrators and
// the HTTP server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Hub           *ws.Hub
	Broadcaster   *operations.StatusBroadcaster
	Service       *operations.Service
	OTelProviders *infrastructure.OTelProviders

	orchestrators []*operations.Orchestrator
}

// NewApplication builds an application from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig builds an application from an explicit
// configuration. Used directly by tests.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger := infrastructure.NewLogger(cfg.Logging)

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.Int("port", cfg.Server.Port),
		slog.String("executor_mode", cfg.Executor.Mode))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}

	return app, nil
}

// initializeServices builds the hub, registry, orchestrators and router
// in dependency order.
func (a *Application) initializeServices() error {
	a.Hub = ws.NewHub(a.Logger)
	a.Hub.Start()

	a.Broadcaster = operations.NewStatusBroadcaster(a.Hub, a.Logger)

	a.Service = operations.NewService(operations.ServiceOptions{
		CacheTTL:    a.Config.Operations.CacheTTL,
		Logger:      a.Logger,
		Broadcaster: a.Broadcaster,
	})

	execCfg := operations.ExecutorConfig{
		Mode:      operations.ExecMode(a.Config.Executor.Mode),
		RemoteURL: a.Config.Executor.RemoteURL,
		Proxy: operations.ProxyConfig{
			RequestTimeout: a.Config.Proxy.RequestTimeout,
			MaxRetries:     a.Config.Proxy.MaxRetries,
			InitialBackoff: a.Config.Proxy.InitialBackoff,
			StaleCeiling:   a.Config.Proxy.StaleCeiling,
		},
	}

	backtestOrch, err := operations.NewOrchestrator(a.Service, operations.TypeBacktesting, "/api/backtests/start", execCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("backtest orchestrator: %w", err)
	}
	trainingOrch, err := operations.NewOrchestrator(a.Service, operations.TypeTraining, "/api/training/start", execCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("training orchestrator: %w", err)
	}
	dataOrch, err := operations.NewOrchestrator(a.Service, operations.TypeDataLoad, "/api/data/start", execCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("data orchestrator: %w", err)
	}
	a.orchestrators = []*operations.Orchestrator{backtestOrch, trainingOrch, dataOrch}

	router, err := handlers.NewRouter(handlers.RouterDeps{
		Config:    a.Config,
		Logger:    a.Logger,
		Service:   a.Service,
		Backtests: services.NewBacktestService(backtestOrch, &services.SimBacktestEngine{}, a.Logger),
		Training:  services.NewTrainingService(trainingOrch, &services.SimTrainingEngine{}, a.Logger),
		Data:      services.NewDataService(dataOrch, &services.SimDataEngine{}, a.Logger),
		Hub:       a.Hub,
		Providers: a.OTelProviders,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}

	return nil
}

// Run serves until an interrupt or server failure, then shuts down
// gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		a.Logger.ErrorContext(ctx, "server failed", slog.String("error", err.Error()))
		return err
	}

	return a.Stop(ctx)
}

// Stop drains the server, waits for in-flight workers and tears down
// the push and telemetry pipelines.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Logger.InfoContext(shutdownCtx, "shutting down",
		slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(shutdownCtx, "server shutdown failed", slog.String("error", err.Error()))
	}

	// Local workers finish (or acknowledge cancellation) before the push
	// pipeline is torn down so their final states get broadcast.
	done := make(chan struct{})
	go func() {
		for _, orch := range a.orchestrators {
			orch.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.Logger.WarnContext(shutdownCtx, "workers still running at shutdown deadline")
	}

	a.Broadcaster.Stop()
	a.Hub.Stop()

	if a.OTelProviders != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer otelCancel()
		if err := a.OTelProviders.Shutdown(otelCtx); err != nil {
			a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}

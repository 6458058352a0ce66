package operations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ExecMode selects where an orchestrator runs its workers.
type ExecMode string

const (
	ExecModeLocal  ExecMode = "local"
	ExecModeRemote ExecMode = "remote"
)

// ExecutorConfig is the explicit local/remote selection passed to an
// orchestrator at construction time.
type ExecutorConfig struct {
	Mode ExecMode
	// RemoteURL is the peer base URL, required in remote mode.
	RemoteURL string
	// Proxy bounds the transport behaviour of remote-mode proxies.
	Proxy ProxyConfig
}

// Validate checks the executor configuration.
func (c ExecutorConfig) Validate() error {
	switch c.Mode {
	case ExecModeLocal:
		return nil
	case ExecModeRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("executor: remote mode requires a remote URL")
		}
		return nil
	default:
		return fmt.Errorf("executor: unknown mode %q", c.Mode)
	}
}

// Worker is the domain engine contract. A worker receives the bridge it
// reports progress through and the token it polls for cancellation; it
// must check the token at a bounded cadence and unwind promptly once
// cancellation is observed, returning a cancellation marker.
type Worker func(ctx context.Context, bridge *Bridge, token *CancelToken) (interface{}, error)

// Orchestrator starts operations of one type, deciding local versus remote
// execution from its configuration. Start returns the operation id
// immediately; execution is asynchronous on a dedicated goroutine (local)
// or on the remote peer (remote) -- never on the caller's request path.
type Orchestrator struct {
	service   *Service
	opType    Type
	startPath string
	cfg       ExecutorConfig
	logger    *slog.Logger

	proxyOnce sync.Once
	proxy     *Proxy

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for one operation type.
// startPath is the peer's start route for this type, e.g.
// "/api/backtests/start".
func NewOrchestrator(service *Service, opType Type, startPath string, cfg ExecutorConfig, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		service:   service,
		opType:    opType,
		startPath: startPath,
		cfg:       cfg,
		logger: logger.With(
			slog.String("component", "orchestrator"),
			slog.String("operation_type", string(opType))),
	}, nil
}

// Start creates the operation, wires its backing and kicks off execution.
// The given context covers only the start handshake (the remote HTTP call
// in remote mode); the worker itself runs under its own context.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest, worker Worker) (string, error) {
	op := o.service.Create(o.opType, req.Name, nil)

	if o.cfg.Mode == ExecModeRemote {
		if err := o.startRemote(ctx, op.ID, req); err != nil {
			ferr := o.service.Fail(op.ID, NewWorkerError(op.ID, err))
			if ferr != nil {
				o.logger.Error("failed to mark operation failed",
					slog.String("operation_id", op.ID),
					slog.String("error", ferr.Error()))
			}
			return "", fmt.Errorf("start remote operation: %w", err)
		}
		return op.ID, nil
	}

	bridge := NewBridge()
	token := NewCancelToken()
	if err := o.service.AttachBridge(op.ID, bridge, token); err != nil {
		return "", fmt.Errorf("attach bridge: %w", err)
	}

	o.wg.Add(1)
	go o.run(op.ID, bridge, token, worker)

	return op.ID, nil
}

// startRemote forwards the start request to the peer and attaches a proxy.
func (o *Orchestrator) startRemote(ctx context.Context, id string, req StartRequest) error {
	o.proxyOnce.Do(func() {
		o.proxy = NewProxy(o.cfg.RemoteURL, o.cfg.Proxy, o.logger)
	})

	remoteID, err := o.proxy.Start(ctx, o.startPath, req)
	if err != nil {
		return err
	}

	if err := o.service.AttachProxy(id, o.proxy, remoteID); err != nil {
		return err
	}

	o.logger.Info("remote operation started",
		slog.String("operation_id", id),
		slog.String("remote_id", remoteID),
		slog.String("peer", o.cfg.RemoteURL))
	return nil
}

// run wraps the worker invocation: any error or panic raised inside domain
// logic is normalized into the operation's terminal state, and a
// cancellation marker becomes a clean cancelled outcome rather than an
// unhandled failure.
func (o *Orchestrator) run(id string, bridge *Bridge, token *CancelToken, worker Worker) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("worker panicked",
				slog.String("operation_id", id),
				slog.Any("panic", r))
			if err := o.service.Fail(id, NewWorkerError(id, fmt.Errorf("worker panic: %v", r))); err != nil {
				o.logger.Error("failed to record worker panic",
					slog.String("operation_id", id),
					slog.String("error", err.Error()))
			}
		}
	}()

	result, err := worker(context.Background(), bridge, token)

	switch {
	case err == nil:
		if cerr := o.service.Complete(id, result); cerr != nil {
			o.logger.Error("failed to complete operation",
				slog.String("operation_id", id),
				slog.String("error", cerr.Error()))
		}
	case IsCancellation(err):
		o.logger.Info("worker acknowledged cancellation",
			slog.String("operation_id", id),
			slog.String("reason", err.Error()))
		if ferr := o.service.Fail(id, err); ferr != nil {
			o.logger.Error("failed to record cancellation",
				slog.String("operation_id", id),
				slog.String("error", ferr.Error()))
		}
	default:
		o.logger.Error("worker failed",
			slog.String("operation_id", id),
			slog.String("error", err.Error()))
		if ferr := o.service.Fail(id, NewWorkerError(id, err)); ferr != nil {
			o.logger.Error("failed to record worker failure",
				slog.String("operation_id", id),
				slog.String("error", ferr.Error()))
		}
	}
}

// Wait blocks until all locally spawned workers have finished. Used by
// graceful shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

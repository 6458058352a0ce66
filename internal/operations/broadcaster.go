package operations

import (
	"log/slog"
	"sync"
	"time"
)

// EventOperationStatus is the websocket event type carrying operation
// snapshots.
const EventOperationStatus = "operation:status"

// BroadcastHub is the push channel to connected clients. Implemented by
// the websocket hub; kept as an interface so the core has no transport
// dependency.
type BroadcastHub interface {
	Broadcast(event string, data interface{})
}

// StatusSnapshot is the push payload sent on every status or progress
// change.
type StatusSnapshot struct {
	OperationID string    `json:"operation_id"`
	Type        Type      `json:"operation_type"`
	Status      Status    `json:"status"`
	Percentage  float64   `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusBroadcaster serializes operation snapshots to the hub. Updates are
// queued on a buffered channel and dropped under backpressure: clients
// re-sync through the pull API, so a lost push is not a correctness
// problem.
type StatusBroadcaster struct {
	hub    BroadcastHub
	logger *slog.Logger

	updates chan StatusSnapshot
	stop    chan struct{}
	once    sync.Once
}

// NewStatusBroadcaster creates and starts a broadcaster.
func NewStatusBroadcaster(hub BroadcastHub, logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	sb := &StatusBroadcaster{
		hub:     hub,
		logger:  logger.With(slog.String("component", "status_broadcaster")),
		updates: make(chan StatusSnapshot, 256),
		stop:    make(chan struct{}),
	}
	go sb.loop()
	return sb
}

// OperationUpdated queues a push for the given snapshot. Never blocks.
func (sb *StatusBroadcaster) OperationUpdated(op *Operation) {
	snap := StatusSnapshot{
		OperationID: op.ID,
		Type:        op.Type,
		Status:      op.Status,
		Percentage:  op.Progress.Percentage,
		Message:     op.Progress.Message,
		Error:       op.Error,
		UpdatedAt:   time.Now(),
	}

	select {
	case sb.updates <- snap:
	default:
		sb.logger.Warn("status update dropped under backpressure",
			slog.String("operation_id", op.ID))
	}
}

// Stop terminates the broadcast loop.
func (sb *StatusBroadcaster) Stop() {
	sb.once.Do(func() { close(sb.stop) })
}

func (sb *StatusBroadcaster) loop() {
	for {
		select {
		case <-sb.stop:
			return
		case snap := <-sb.updates:
			if sb.hub != nil {
				sb.hub.Broadcast(EventOperationStatus, snap)
			}
		}
	}
}

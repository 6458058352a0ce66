package operations

import (
	"time"
)

// The wire shapes below are served by the HTTP layer and consumed by the
// Proxy. Local backend and remote peers expose the identical shape, which
// is what makes proxying transparent.

// ProgressPayload mirrors Progress on the wire.
type ProgressPayload struct {
	Percentage  float64           `json:"percentage"`
	Message     string            `json:"message"`
	CurrentStep int               `json:"current_step"`
	TotalSteps  int               `json:"total_steps"`
	Context     map[string]string `json:"context,omitempty"`
}

// OperationPayload is the GET /api/operations/{id} response body.
type OperationPayload struct {
	OperationID   string          `json:"operation_id"`
	OperationType Type            `json:"operation_type"`
	Name          string          `json:"name,omitempty"`
	Status        Status          `json:"status"`
	Progress      ProgressPayload `json:"progress"`
	Result        interface{}     `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Stale         bool            `json:"stale,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// MetricsPayload is the GET /api/operations/{id}/metrics response body.
type MetricsPayload struct {
	Metrics   []MetricEntry `json:"metrics"`
	NewCursor uint64        `json:"new_cursor"`
}

// StartPayload is the POST .../start response body.
type StartPayload struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// CancelPayload is the DELETE /api/operations/{id} response body.
type CancelPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StartRequest carries the domain parameters of a start call. The remote
// path forwards the exact same parameters the local path consumes so the
// two stay interchangeable.
type StartRequest struct {
	Name       string                 `json:"name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NewOperationPayload converts an operation snapshot to its wire shape.
func NewOperationPayload(op *Operation) *OperationPayload {
	return &OperationPayload{
		OperationID:   op.ID,
		OperationType: op.Type,
		Name:          op.Name,
		Status:        op.Status,
		Progress: ProgressPayload{
			Percentage:  op.Progress.Percentage,
			Message:     op.Progress.Message,
			CurrentStep: op.Progress.CurrentStep,
			TotalSteps:  op.Progress.TotalSteps,
			Context:     op.Progress.Context,
		},
		Result:      op.Result,
		Error:       op.Error,
		Stale:       op.Stale,
		CreatedAt:   op.CreatedAt,
		StartedAt:   op.StartedAt,
		CompletedAt: op.CompletedAt,
	}
}

// ToOperation converts a wire payload back into an operation snapshot.
func (p *OperationPayload) ToOperation() *Operation {
	return &Operation{
		ID:     p.OperationID,
		Type:   p.OperationType,
		Name:   p.Name,
		Status: p.Status,
		Progress: Progress{
			Percentage:  p.Progress.Percentage,
			Message:     p.Progress.Message,
			CurrentStep: p.Progress.CurrentStep,
			TotalSteps:  p.Progress.TotalSteps,
			Context:     p.Progress.Context,
		},
		Result:      p.Result,
		Error:       p.Error,
		Stale:       p.Stale,
		CreatedAt:   p.CreatedAt,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
}

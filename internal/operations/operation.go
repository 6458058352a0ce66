package operations

import (
	"time"
)

// Type identifies the kind of work an operation tracks. The set is open:
// unknown types are valid and fall back to the generic metrics bucket.
type Type string

const (
	TypeDataLoad    Type = "data_load"
	TypeTraining    Type = "training"
	TypeBacktesting Type = "backtesting"
)

// Status is the lifecycle state of an operation. Transitions only move
// forward through the partial order pending < running < terminal; once a
// terminal state is reached the operation is immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses for the forward-only invariant. All terminal
// states share a rank: once one is set no other may replace it.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Progress is the client-visible progress snapshot of an operation.
type Progress struct {
	Percentage  float64           `json:"percentage"`
	Message     string            `json:"message"`
	CurrentStep int               `json:"current_step"`
	TotalSteps  int               `json:"total_steps"`
	Context     map[string]string `json:"context,omitempty"`
}

// MetricEntry is one event in an operation's append-only metrics log.
// Seq is assigned by the producing bridge and strictly increases.
type MetricEntry struct {
	Seq       uint64                 `json:"seq"`
	Bucket    string                 `json:"bucket"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Operation is a tracked unit of long-running work.
type Operation struct {
	ID       string            `json:"operation_id"`
	Type     Type              `json:"operation_type"`
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Progress Progress          `json:"progress"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Metrics are bucketed by the type-specific bucket name
	// (bars / epochs / segments / events).
	Metrics map[string][]MetricEntry `json:"metrics,omitempty"`

	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	// Stale marks a snapshot served from the proxy's last-known-good
	// cache after a transport failure.
	Stale bool `json:"stale,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers while the original
// keeps being mutated under the service lock.
func (o *Operation) Clone() *Operation {
	clone := *o

	if o.Progress.Context != nil {
		clone.Progress.Context = make(map[string]string, len(o.Progress.Context))
		for k, v := range o.Progress.Context {
			clone.Progress.Context[k] = v
		}
	}
	if o.Metadata != nil {
		clone.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			clone.Metadata[k] = v
		}
	}
	if o.Metrics != nil {
		clone.Metrics = make(map[string][]MetricEntry, len(o.Metrics))
		for bucket, entries := range o.Metrics {
			copied := make([]MetricEntry, len(entries))
			copy(copied, entries)
			clone.Metrics[bucket] = copied
		}
	}
	if o.StartedAt != nil {
		t := *o.StartedAt
		clone.StartedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		clone.CompletedAt = &t
	}

	return &clone
}

// Duration returns how long the operation has been (or was) running.
func (o *Operation) Duration() time.Duration {
	if o.StartedAt == nil {
		return 0
	}
	if o.CompletedAt != nil {
		return o.CompletedAt.Sub(*o.StartedAt)
	}
	return time.Since(*o.StartedAt)
}

package operations

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHub struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (h *captureHub) Broadcast(event string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	h.data = append(h.data, data)
}

func (h *captureHub) snapshots() []StatusSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StatusSnapshot, 0, len(h.data))
	for _, d := range h.data {
		out = append(out, d.(StatusSnapshot))
	}
	return out
}

func TestStatusBroadcaster_PushesSnapshots(t *testing.T) {
	hub := &captureHub{}
	sb := NewStatusBroadcaster(hub, testLogger())
	defer sb.Stop()

	sb.OperationUpdated(&Operation{
		ID:       "op-1",
		Type:     TypeBacktesting,
		Status:   StatusRunning,
		Progress: Progress{Percentage: 25.0, Message: "bar 250/1000"},
	})

	require.Eventually(t, func() bool {
		return len(hub.snapshots()) == 1
	}, time.Second, 5*time.Millisecond)

	snaps := hub.snapshots()
	assert.Equal(t, "op-1", snaps[0].OperationID)
	assert.Equal(t, StatusRunning, snaps[0].Status)
	assert.Equal(t, 25.0, snaps[0].Percentage)
	assert.Equal(t, EventOperationStatus, hub.events[0])
}

func TestStatusBroadcaster_ServiceIntegration(t *testing.T) {
	hub := &captureHub{}
	sb := NewStatusBroadcaster(hub, testLogger())
	defer sb.Stop()

	svc := NewService(ServiceOptions{
		CacheTTL:    time.Second,
		Logger:      testLogger(),
		Broadcaster: sb,
	})

	op := svc.Create(TypeTraining, "pushed training", nil)
	require.NoError(t, svc.Complete(op.ID, nil))

	// Create and the terminal transition both push.
	require.Eventually(t, func() bool {
		return len(hub.snapshots()) >= 2
	}, time.Second, 5*time.Millisecond)

	snaps := hub.snapshots()
	assert.Equal(t, StatusPending, snaps[0].Status)
	assert.Equal(t, StatusCompleted, snaps[len(snaps)-1].Status)
}

func TestStatusBroadcaster_NilHubIsSafe(t *testing.T) {
	sb := NewStatusBroadcaster(nil, testLogger())
	defer sb.Stop()

	sb.OperationUpdated(&Operation{ID: "op-2", Status: StatusPending})
	time.Sleep(10 * time.Millisecond)
}

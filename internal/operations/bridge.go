package operations

import (
	"sync"
	"time"
)

// ProgressUpdate is one write into a bridge. The whole struct replaces the
// previous snapshot in a single assignment so a concurrent reader can never
// observe a half-written state.
type ProgressUpdate struct {
	Percentage  float64
	Message     string
	CurrentStep int
	TotalSteps  int
	Context     map[string]string
}

// ProgressSnapshot is a point-in-time copy of a bridge's state. The zero
// value is the well-defined "not started" snapshot (percentage 0, no
// message, zero UpdatedAt).
type ProgressSnapshot struct {
	Percentage  float64
	Message     string
	CurrentStep int
	TotalSteps  int
	Context     map[string]string
	UpdatedAt   time.Time
}

// Bridge is the in-process progress channel between exactly one writing
// worker and the service that reads it. Writes are O(1), never touch I/O
// and never block on consumers: the snapshot is replaced wholesale and
// metric entries are appended to an in-memory log with a monotonic cursor.
type Bridge struct {
	mu      sync.RWMutex
	snap    ProgressSnapshot
	entries []MetricEntry
	seq     uint64
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Update replaces the current snapshot. Called by the owning worker only.
func (b *Bridge) Update(u ProgressUpdate) {
	snap := ProgressSnapshot{
		Percentage:  u.Percentage,
		Message:     u.Message,
		CurrentStep: u.CurrentStep,
		TotalSteps:  u.TotalSteps,
		UpdatedAt:   time.Now(),
	}
	if u.Context != nil {
		snap.Context = make(map[string]string, len(u.Context))
		for k, v := range u.Context {
			snap.Context[k] = v
		}
	}

	b.mu.Lock()
	b.snap = snap
	b.mu.Unlock()
}

// AppendMetric appends one entry to the metrics log and returns its
// sequence number. Sequence numbers start at 1 and strictly increase.
func (b *Bridge) AppendMetric(bucket string, fields map[string]interface{}) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.entries = append(b.entries, MetricEntry{
		Seq:       b.seq,
		Bucket:    bucket,
		Timestamp: time.Now(),
		Fields:    fields,
	})
	return b.seq
}

// Snapshot returns a copy of the current snapshot. Safe to call
// concurrently with writes.
func (b *Bridge) Snapshot() ProgressSnapshot {
	b.mu.RLock()
	snap := b.snap
	b.mu.RUnlock()

	if snap.Context != nil {
		copied := make(map[string]string, len(snap.Context))
		for k, v := range snap.Context {
			copied[k] = v
		}
		snap.Context = copied
	}
	return snap
}

// MetricsSince returns all entries with sequence numbers strictly greater
// than cursor, plus the new cursor. Calling twice with the same cursor and
// no intervening appends returns an empty slice both times.
func (b *Bridge) MetricsSince(cursor uint64) ([]MetricEntry, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if cursor >= b.seq {
		return nil, b.seq
	}

	// Entries are dense: entry i has Seq i+1.
	start := int(cursor)
	if start > len(b.entries) {
		start = len(b.entries)
	}
	out := make([]MetricEntry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out, b.seq
}

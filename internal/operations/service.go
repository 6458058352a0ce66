package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how often a backing bridge or proxy is read per
// operation. Within the window all reads are served from the cache,
// decoupling client poll frequency from backing-store read cost.
const DefaultCacheTTL = time.Second

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// CacheTTL is the maximum age of a cached operation snapshot before a
	// read triggers a refresh pull. Defaults to DefaultCacheTTL.
	CacheTTL time.Duration
	// Logger receives service logs. Defaults to slog.Default.
	Logger *slog.Logger
	// Broadcaster, when set, is notified of every status or progress
	// change so connected clients get push updates.
	Broadcaster *StatusBroadcaster
}

// entry is the cache record for one operation. Exactly one of bridge or
// proxy is set: an operation is either locally backed or remotely backed,
// never both.
type entry struct {
	op          *Operation
	lastRefresh time.Time

	bridge   *Bridge
	token    *CancelToken
	proxy    *Proxy
	remoteID string

	// log mirrors the backing metrics stream; cursor is the highest
	// backing sequence number already merged.
	log    []MetricEntry
	cursor uint64

	cancelReason string
}

func (e *entry) local() bool  { return e.bridge != nil }
func (e *entry) remote() bool { return e.proxy != nil }

// Service is the operation registry: uniform CRUD, caching and routing for
// all operations regardless of where their worker runs. Clients never wait
// on a worker; they get cached data or a bounded bridge/proxy read.
//
// Cancellation is worker-acknowledged: Cancel sets the token (or forwards
// to the remote peer) and returns immediately with the status unchanged.
// The operation turns cancelled only when the worker observes the token
// and its wrapper finishes with a cancellation marker.
type Service struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl         time.Duration
	group       singleflight.Group
	logger      *slog.Logger
	broadcaster *StatusBroadcaster
}

// NewService creates an operation service.
func NewService(opts ServiceOptions) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		entries:     make(map[string]*entry),
		ttl:         opts.CacheTTL,
		logger:      opts.Logger.With(slog.String("component", "operations_service")),
		broadcaster: opts.Broadcaster,
	}
}

// CacheTTL returns the configured cache TTL.
func (s *Service) CacheTTL() time.Duration {
	return s.ttl
}

// Create allocates a new pending operation and returns its snapshot.
func (s *Service) Create(t Type, name string, metadata map[string]string) *Operation {
	op := &Operation{
		ID:        uuid.New().String(),
		Type:      t,
		Name:      name,
		Status:    StatusPending,
		Metadata:  metadata,
		Metrics:   make(map[string][]MetricEntry),
		CreatedAt: time.Now(),
	}

	// Snapshot and notify before unlocking: once the entry is in the map a
	// concurrent Cancel or Attach may mutate op.
	s.mu.Lock()
	s.entries[op.ID] = &entry{op: op}
	snapshot := op.Clone()
	s.notify(op)
	s.mu.Unlock()

	s.logger.Info("operation created",
		slog.String("operation_id", op.ID),
		slog.String("operation_type", string(t)),
		slog.String("name", name))

	return snapshot
}

// AttachBridge binds a locally running worker's bridge and token to the
// operation and marks it running.
func (s *Service) AttachBridge(id string, bridge *Bridge, token *CancelToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}
	if e.local() || e.remote() {
		return fmt.Errorf("operation %s already has a backing", id)
	}

	e.bridge = bridge
	e.token = token
	s.markRunningLocked(e)
	return nil
}

// AttachProxy binds a remote peer's proxy to the operation and marks it
// running. remoteID is the peer's id for the same logical operation.
func (s *Service) AttachProxy(id string, proxy *Proxy, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}
	if e.local() || e.remote() {
		return fmt.Errorf("operation %s already has a backing", id)
	}

	e.proxy = proxy
	e.remoteID = remoteID
	s.markRunningLocked(e)
	return nil
}

func (s *Service) markRunningLocked(e *entry) {
	if !e.op.Status.CanTransition(StatusRunning) {
		return
	}
	now := time.Now()
	e.op.Status = StatusRunning
	e.op.StartedAt = &now
	s.notify(e.op)
}

// Get returns the operation snapshot. Cached data is served as long as it
// is younger than the TTL; force skips the cache. Refreshes of the same id
// are coalesced so at most one is in flight at a time.
func (s *Service) Get(ctx context.Context, id string, force bool) (*Operation, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.RUnlock()
		return nil, NotFoundError(id)
	}
	if e.op.Status.Terminal() || (!force && time.Since(e.lastRefresh) < s.ttl) {
		op := e.op.Clone()
		s.mu.RUnlock()
		return op, nil
	}
	s.mu.RUnlock()

	if err := s.refresh(ctx, id, force); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok = s.entries[id]
	if !ok {
		return nil, NotFoundError(id)
	}
	return e.op.Clone(), nil
}

// Metrics returns metric entries strictly after cursor plus the new
// cursor. The same staleness policy as Get applies: within the TTL the
// mirrored log is served without touching the backing.
func (s *Service) Metrics(ctx context.Context, id string, cursor uint64) ([]MetricEntry, uint64, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.RUnlock()
		return nil, cursor, NotFoundError(id)
	}
	fresh := e.op.Status.Terminal() || time.Since(e.lastRefresh) < s.ttl
	s.mu.RUnlock()

	if !fresh {
		if err := s.refresh(ctx, id, false); err != nil {
			return nil, cursor, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok = s.entries[id]
	if !ok {
		return nil, cursor, NotFoundError(id)
	}
	return sliceSince(e.log, cursor)
}

// sliceSince filters a mirrored log by cursor. Entries are kept in
// ascending sequence order, so a single pass suffices.
func sliceSince(log []MetricEntry, cursor uint64) ([]MetricEntry, uint64, error) {
	newCursor := cursor
	var out []MetricEntry
	for _, m := range log {
		if m.Seq > cursor {
			out = append(out, m)
		}
		if m.Seq > newCursor {
			newCursor = m.Seq
		}
	}
	return out, newCursor, nil
}

// Cancel requests cooperative cancellation. It never blocks waiting for
// the worker: locally it sets the token, remotely it forwards the cancel
// to the peer. The status stays unchanged until the worker acknowledges.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return NotFoundError(id)
	}
	if e.op.Status.Terminal() {
		status := e.op.Status
		s.mu.Unlock()
		return InvalidTransitionError(id, status, StatusCancelled)
	}

	e.cancelReason = reason

	// A pending operation with no backing has no worker to acknowledge;
	// it can be finalized directly.
	if !e.local() && !e.remote() {
		s.finalizeLocked(e, StatusCancelled, nil, reason)
		s.mu.Unlock()
		return nil
	}

	token := e.token
	proxy := e.proxy
	remoteID := e.remoteID
	s.mu.Unlock()

	if token != nil {
		token.Cancel(reason)
		s.logger.Info("cancellation requested",
			slog.String("operation_id", id),
			slog.String("reason", reason))
		return nil
	}

	if err := proxy.Cancel(ctx, remoteID, reason); err != nil {
		return fmt.Errorf("cancel operation %s: %w", id, err)
	}
	s.logger.Info("cancellation forwarded to remote peer",
		slog.String("operation_id", id),
		slog.String("remote_id", remoteID))
	return nil
}

// Complete moves the operation to its completed terminal state, draining
// any remaining bridge data first so no progress is lost. Calling it again
// after completion is a no-op; calling it after a different terminal state
// is an invalid transition.
func (s *Service) Complete(id string, result interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}
	if e.op.Status == StatusCompleted {
		return nil
	}
	if e.op.Status.Terminal() {
		return InvalidTransitionError(id, e.op.Status, StatusCompleted)
	}

	s.finalizeLocked(e, StatusCompleted, result, "")
	return nil
}

// Fail moves the operation to a failed terminal state, or to cancelled
// when err carries the cancellation marker. Idempotent for the same
// terminal outcome.
func (s *Service) Fail(id string, err error) error {
	target := StatusFailed
	msg := "worker failed"
	if err != nil {
		msg = err.Error()
	}
	if IsCancellation(err) {
		target = StatusCancelled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}
	if e.op.Status == target {
		return nil
	}
	if e.op.Status.Terminal() {
		return InvalidTransitionError(id, e.op.Status, target)
	}

	s.finalizeLocked(e, target, nil, msg)
	return nil
}

// finalizeLocked applies a terminal transition under the service lock.
func (s *Service) finalizeLocked(e *entry, target Status, result interface{}, errMsg string) {
	if e.bridge != nil {
		s.drainBridgeLocked(e)
	}

	now := time.Now()
	e.op.Status = target
	e.op.CompletedAt = &now
	if result != nil {
		e.op.Result = result
	}
	if errMsg != "" {
		e.op.Error = errMsg
	}
	e.lastRefresh = now

	s.logger.Info("operation finalized",
		slog.String("operation_id", e.op.ID),
		slog.String("status", string(target)))
	s.notify(e.op)
}

// List returns snapshots of all operations, newest first. A non-empty
// status filters the result.
func (s *Service) List(status Status) []*Operation {
	s.mu.RLock()
	out := make([]*Operation, 0, len(s.entries))
	for _, e := range s.entries {
		if status != "" && e.op.Status != status {
			continue
		}
		out = append(out, e.op.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// refresh pulls fresh data from the backing bridge or proxy. Concurrent
// refreshes of the same id collapse into one underlying read. A forced
// refresh skips the freshness short-circuit and always pulls.
func (s *Service) refresh(ctx context.Context, id string, force bool) error {
	_, err, _ := s.group.Do(id, func() (interface{}, error) {
		s.mu.RLock()
		e, ok := s.entries[id]
		if !ok {
			s.mu.RUnlock()
			return nil, NotFoundError(id)
		}
		if e.op.Status.Terminal() {
			s.mu.RUnlock()
			return nil, nil
		}
		if !force && time.Since(e.lastRefresh) < s.ttl {
			// Another caller refreshed while we queued.
			s.mu.RUnlock()
			return nil, nil
		}
		bridge := e.bridge
		proxy := e.proxy
		remoteID := e.remoteID
		s.mu.RUnlock()

		switch {
		case bridge != nil:
			return nil, s.refreshFromBridge(id)
		case proxy != nil:
			return nil, s.refreshFromProxy(ctx, id, proxy, remoteID)
		default:
			// Pending, no backing yet: nothing to pull.
			s.mu.Lock()
			if e, ok := s.entries[id]; ok {
				e.lastRefresh = time.Now()
			}
			s.mu.Unlock()
			return nil, nil
		}
	})
	return err
}

// refreshFromBridge is a bounded memory read.
func (s *Service) refreshFromBridge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}
	s.drainBridgeLocked(e)
	e.lastRefresh = time.Now()
	return nil
}

// drainBridgeLocked merges the bridge snapshot and any new metric entries
// into the cached operation.
func (s *Service) drainBridgeLocked(e *entry) {
	snap := e.bridge.Snapshot()
	if !snap.UpdatedAt.IsZero() {
		changed := e.op.Progress.Percentage != snap.Percentage || e.op.Progress.Message != snap.Message
		e.op.Progress = Progress{
			Percentage:  snap.Percentage,
			Message:     snap.Message,
			CurrentStep: snap.CurrentStep,
			TotalSteps:  snap.TotalSteps,
			Context:     snap.Context,
		}
		if changed {
			s.notify(e.op)
		}
	}

	entries, newCursor := e.bridge.MetricsSince(e.cursor)
	if len(entries) > 0 {
		s.mergeMetricsLocked(e, entries)
	}
	e.cursor = newCursor
}

// refreshFromProxy is a bounded HTTP read against the remote peer.
func (s *Service) refreshFromProxy(ctx context.Context, id string, proxy *Proxy, remoteID string) error {
	remote, err := proxy.GetOperation(ctx, remoteID)
	if err != nil {
		if errors.Is(err, ErrRemoteUnreachable) || errors.Is(err, ErrOperationNotFound) {
			// Normalize into a failed operation rather than surfacing a
			// transport error to the caller.
			s.mu.Lock()
			if e, ok := s.entries[id]; ok && !e.op.Status.Terminal() {
				s.finalizeLocked(e, StatusFailed, nil, err.Error())
			}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	var cursor uint64
	s.mu.RLock()
	if e, ok := s.entries[id]; ok {
		cursor = e.cursor
	}
	s.mu.RUnlock()

	// Metrics failures are not fatal: the cursor is unchanged and the
	// next refresh re-pulls the same window (at-least-once delivery).
	entries, newCursor, merr := proxy.Metrics(ctx, remoteID, cursor)
	if merr != nil {
		s.logger.WarnContext(ctx, "remote metrics pull failed",
			slog.String("operation_id", id),
			slog.String("error", merr.Error()))
		entries, newCursor = nil, cursor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return NotFoundError(id)
	}

	statusChanged := e.op.Status != remote.Status && e.op.Status.CanTransition(remote.Status)
	if statusChanged {
		e.op.Status = remote.Status
	}
	e.op.Progress = remote.Progress
	e.op.Stale = remote.Stale
	if remote.Error != "" {
		e.op.Error = remote.Error
	}
	if remote.Result != nil {
		e.op.Result = remote.Result
	}
	if remote.StartedAt != nil {
		e.op.StartedAt = remote.StartedAt
	}
	if remote.CompletedAt != nil && e.op.Status.Terminal() {
		e.op.CompletedAt = remote.CompletedAt
	}

	if len(entries) > 0 {
		s.mergeMetricsLocked(e, entries)
	}
	if newCursor > e.cursor {
		e.cursor = newCursor
	}
	e.lastRefresh = time.Now()

	if statusChanged {
		s.notify(e.op)
	}
	return nil
}

// mergeMetricsLocked appends entries to the mirrored log and the
// type-aware buckets on the operation.
func (s *Service) mergeMetricsLocked(e *entry, entries []MetricEntry) {
	e.log = append(e.log, entries...)
	for _, m := range entries {
		bucket := m.Bucket
		if bucket == "" {
			bucket = BucketFor(e.op.Type)
		}
		e.op.Metrics[bucket] = append(e.op.Metrics[bucket], m)
	}
}

// notify pushes a snapshot to the broadcaster, if configured.
func (s *Service) notify(op *Operation) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.OperationUpdated(op.Clone())
}

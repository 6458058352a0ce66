package operations

import (
	"sync"
)

// CancelToken is the cooperative cancellation flag shared between the
// service and exactly one worker. Cancel is set-once: the first reason
// wins and the Done channel closes exactly once. The token only requests
// cancellation; the operation's status changes when the worker observes
// the token and unwinds with a cancellation marker.
type CancelToken struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
	set    bool
}

// NewCancelToken creates an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token with the given reason. Subsequent calls are
// no-ops; the first reason is kept.
func (t *CancelToken) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.set {
		return
	}
	t.set = true
	t.reason = reason
	close(t.done)
}

// Cancelled reports whether cancellation has been requested. Cheap
// enough to poll once per unit of work.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once cancellation is requested, for use
// in select loops alongside timers and contexts.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Reason returns the cancellation reason, or empty while unset.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

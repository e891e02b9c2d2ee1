package session

import "sync"

// CancelKey identifies a cancellable session by the BackendKeyData pair
// it handed the client at startup (spec.md §4.B/§5: "each session's
// startup yields a secret and key it stores in a process-wide table").
type CancelKey struct {
	BackendPID uint32
	SecretKey  uint32
}

// Canceller is the minimal surface CancelTable needs to act on a
// matched session.
type Canceller interface {
	// RequestCancel asks the session to abort its current backend
	// operation; best-effort per spec.md §4.B.
	RequestCancel()
}

// CancelTable is the process-wide registry from spec.md §5: "write on
// startup and terminate, read on cancel", internally synchronized,
// short critical sections only.
type CancelTable struct {
	mu    sync.Mutex
	byKey map[CancelKey]Canceller
}

// NewCancelTable constructs an empty registry.
func NewCancelTable() *CancelTable {
	return &CancelTable{byKey: make(map[CancelKey]Canceller)}
}

// Register records key as cancellable via c.
func (t *CancelTable) Register(key CancelKey, c Canceller) {
	t.mu.Lock()
	t.byKey[key] = c
	t.mu.Unlock()
}

// Remove drops key, called on session termination.
func (t *CancelTable) Remove(key CancelKey) {
	t.mu.Lock()
	delete(t.byKey, key)
	t.mu.Unlock()
}

// Signal looks up key and asks its session to cancel, silently doing
// nothing if the key is unknown (a stale or forged CancelRequest).
func (t *CancelTable) Signal(key CancelKey) {
	t.mu.Lock()
	c, ok := t.byKey[key]
	t.mu.Unlock()
	if ok {
		c.RequestCancel()
	}
}

// RequestCancel implements Canceller by cancelling the context of the
// frontend message currently being handled; the in-flight State Capture
// read observes cancellation at its next suspension point (spec.md §5
// scenario 6).
func (s *Session) RequestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

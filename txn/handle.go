// Package txn defines the transaction handle and the narrow interface a
// store must implement to participate in the container's two-phase commit
// protocol. It exists as a standalone package so that the container and the
// generic store engine can refer to each other's concerns without an import
// cycle: the container knows only StoreHandle, never the concrete generic
// store.Engine[K, V].
package txn

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a transaction handle.
type State int

const (
	Active State = iota
	Preparing
	Prepared
	Committing
	RollingBack
	Terminated
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Preparing:
		return "PREPARING"
	case Prepared:
		return "PREPARED"
	case Committing:
		return "COMMITTING"
	case RollingBack:
		return "ROLLING_BACK"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// StoreHandle is the contract a generic store.Engine[K, V] fulfils so the
// container can drive prepare/commit/rollback across every store a
// transaction touched without knowing K or V.
type StoreHandle interface {
	Name() string
	Prepare(h *Handle) error
	Commit(h *Handle) error
	Rollback(h *Handle)
	// Clear discards all committed state; used by Container.ClearAllStores.
	Clear()
}

// Handle is a transaction's identity and lifecycle state, shared by the
// container and every store it touches.
type Handle struct {
	id          string
	seq         uint64
	description string
	external    any
	startTime   time.Time

	mu        sync.Mutex
	state     State
	stores    map[string]StoreHandle
	storeList []StoreHandle
}

// NewHandle creates a fresh, Active handle. seq is a process-wide
// monotonically increasing counter (see container's atomic ID generation);
// it exists only for log correlation and deterministic ordering, never for
// correctness checks.
func NewHandle(id string, seq uint64, description string) *Handle {
	return &Handle{
		id:          id,
		seq:         seq,
		description: description,
		startTime:   time.Now(),
		state:       Active,
		stores:      make(map[string]StoreHandle),
	}
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) Seq() uint64         { return h.seq }
func (h *Handle) Description() string { return h.description }
func (h *Handle) StartTime() time.Time {
	return h.startTime
}

// ExternalToken returns the opaque token set by SetExternalToken, used by
// an external-transaction bridge to correlate this handle with a foreign
// transaction context.
func (h *Handle) ExternalToken() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.external
}

func (h *Handle) SetExternalToken(token any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.external = token
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// SetState is exported for the container, which owns the authoritative
// lifecycle transitions; stores only read State().
func (h *Handle) SetState(s State) { h.setState(s) }

// Join registers store as a participant in this transaction the first time
// it is touched. Idempotent.
func (h *Handle) Join(s StoreHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.stores[s.Name()]; !ok {
		h.stores[s.Name()] = s
		h.storeList = append(h.storeList, s)
	}
}

// Stores returns the stores this transaction has touched, in join order.
func (h *Handle) Stores() []StoreHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StoreHandle, len(h.storeList))
	copy(out, h.storeList)
	return out
}

func (h *Handle) String() string {
	return fmt.Sprintf("tx[%s seq=%d state=%s]", h.id, h.seq, h.State())
}

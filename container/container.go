// Package container implements the transaction coordinator: the object
// that owns a set of named stores, binds an execution context to a
// transaction handle, and drives two-phase commit across every store a
// transaction touched. The active transaction is carried on a
// context.Context (see jacis/txn), not on a goroutine-local.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwiemer/jacis-go/errs"
	"github.com/jwiemer/jacis-go/txn"
)

// Sizer is implemented by every store.Engine[K, V]; the container uses it
// for Stats() without needing to know a store's K/V types.
type Sizer interface {
	Size() int
}

// TransactionListener observes every transaction's lifecycle at the
// container level, independent of any single store's ModificationListener.
type TransactionListener interface {
	BeforeCommit(h *txn.Handle)
	AfterCommit(h *txn.Handle)
	AfterRollback(h *txn.Handle, cause error)
}

// BaseTransactionListener is a no-op TransactionListener for embedding.
type BaseTransactionListener struct{}

func (BaseTransactionListener) BeforeCommit(*txn.Handle)            {}
func (BaseTransactionListener) AfterCommit(*txn.Handle)             {}
func (BaseTransactionListener) AfterRollback(*txn.Handle, error)    {}

// Info is a point-in-time snapshot of a transaction's identity and
// lifecycle state, returned by GetTransactionInfo and
// GetLastFinishedTransactionInfo.
type Info struct {
	ID          string
	Seq         uint64
	Description string
	State       txn.State
	StartTime   time.Time
	Duration    time.Duration
	Stores      []string
}

// Stats is a snapshot of the container's aggregate state: a plain struct,
// never exposed over a network interface.
type Stats struct {
	ActiveTransactions int
	StoreSizes         map[string]int
	LastFinished       *Info
}

// Container owns a set of named stores and coordinates transactions across
// them.
type Container struct {
	log *slog.Logger

	mu     sync.RWMutex
	stores map[string]txn.StoreHandle

	seq uint64

	activeMu sync.Mutex
	active   map[string]*txn.Handle

	listenersMu sync.RWMutex
	listeners   []TransactionListener

	lastMu   sync.Mutex
	lastInfo *Info
}

// New creates an empty container. A nil logger defaults to
// slog.Default().
func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		log:    logger,
		stores: make(map[string]txn.StoreHandle),
		active: make(map[string]*txn.Handle),
	}
}

// RegisterStore adds s to the container under its own Name(). Returns
// errs.StoreAlreadyExists if that name is taken.
func (c *Container) RegisterStore(s txn.StoreHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stores[s.Name()]; ok {
		return errs.New(errs.StoreAlreadyExists, s.Name())
	}
	c.stores[s.Name()] = s
	return nil
}

func (c *Container) storeNamed(name string) (txn.StoreHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stores[name]
	return s, ok
}

func (c *Container) RegisterTransactionListener(l TransactionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// BeginLocalTransaction creates a fresh, Active transaction handle and
// returns a context carrying it. All store operations performed with the
// returned context (or one derived from it) participate in this
// transaction. Fails with errs.TxAlreadyStarted if ctx already carries an
// active transaction handle: exactly one active handle per caller.
func (c *Container) BeginLocalTransaction(ctx context.Context, description string) (context.Context, *txn.Handle, error) {
	if existing, ok := txn.FromContext(ctx); ok && existing.State() != txn.Terminated {
		return ctx, nil, errs.ErrTxAlreadyStarted.WithTx(existing.ID())
	}

	seq := atomic.AddUint64(&c.seq, 1)
	id := fmt.Sprintf("tx-%d", seq)
	h := txn.NewHandle(id, seq, description)

	c.activeMu.Lock()
	c.active[id] = h
	c.activeMu.Unlock()

	c.log.Debug("transaction begin", "tx", id, "description", description)
	return txn.WithHandle(ctx, h), h, nil
}

// StartReadOnlyTransactionWithContext begins a transaction intended only
// for reads: it behaves exactly like BeginLocalTransaction, but callers
// are expected to finish it with Rollback (or a no-write Commit) rather
// than making any Update/Remove call against a joined store.
func (c *Container) StartReadOnlyTransactionWithContext(ctx context.Context, description string) (context.Context, *txn.Handle, error) {
	return c.BeginLocalTransaction(ctx, "readonly:"+description)
}

// CreateReadOnlyTransactionView is an alias for
// StartReadOnlyTransactionWithContext.
func (c *Container) CreateReadOnlyTransactionView(ctx context.Context, description string) (context.Context, *txn.Handle, error) {
	return c.StartReadOnlyTransactionWithContext(ctx, description)
}

// GetCurrentTransaction returns the transaction handle bound to ctx, if
// any.
func GetCurrentTransaction(ctx context.Context) (*txn.Handle, bool) {
	return txn.FromContext(ctx)
}

// IsInTransaction reports whether ctx carries an active transaction.
func IsInTransaction(ctx context.Context) bool {
	h, ok := txn.FromContext(ctx)
	return ok && h.State() == txn.Active
}

func (c *Container) finish(h *txn.Handle) {
	c.activeMu.Lock()
	delete(c.active, h.ID())
	c.activeMu.Unlock()

	c.lastMu.Lock()
	c.lastInfo = &Info{
		ID: h.ID(), Seq: h.Seq(), Description: h.Description(),
		State: h.State(), StartTime: h.StartTime(),
		Duration: time.Since(h.StartTime()),
		Stores:   storeNames(h),
	}
	c.lastMu.Unlock()
}

func storeNames(h *txn.Handle) []string {
	stores := h.Stores()
	out := make([]string, len(stores))
	for i, s := range stores {
		out[i] = s.Name()
	}
	return out
}

// Prepare runs the prepare phase of two-phase commit across every store
// the transaction bound to ctx has touched. On the first failure, every
// store the transaction touched (including the one that failed) is rolled
// back, in reverse join order, and the transaction is terminated.
func (c *Container) Prepare(ctx context.Context) error {
	h, ok := txn.FromContext(ctx)
	if !ok {
		return errs.ErrNoTransaction
	}
	h.SetState(txn.Preparing)

	stores := h.Stores()
	for _, s := range stores {
		if err := s.Prepare(h); err != nil {
			for i := len(stores) - 1; i >= 0; i-- {
				stores[i].Rollback(h)
			}
			h.SetState(txn.Terminated)
			c.finish(h)
			c.log.Warn("transaction prepare failed", "tx", h.ID(), "store", s.Name(), "err", err)
			return err
		}
	}
	h.SetState(txn.Prepared)
	return nil
}

// Commit runs the commit phase across every store the transaction
// touched, assuming Prepare already succeeded. A failure partway through
// commit is fatal and reported, but does not roll back stores that
// already committed in this same call: once any store has installed a
// change, the transaction's outcome for that store is final.
func (c *Container) Commit(ctx context.Context) error {
	h, ok := txn.FromContext(ctx)
	if !ok {
		return errs.ErrNoTransaction
	}
	if h.State() != txn.Prepared {
		return errs.New(errs.InvalidOperation, "commit called before a successful prepare").WithTx(h.ID())
	}

	c.listenersMu.RLock()
	listeners := append([]TransactionListener(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, l := range listeners {
		l.BeforeCommit(h)
	}

	h.SetState(txn.Committing)
	var firstErr error
	for _, s := range h.Stores() {
		if err := s.Commit(h); err != nil {
			c.log.Error("transaction commit failed for store", "tx", h.ID(), "store", s.Name(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	h.SetState(txn.Terminated)
	c.finish(h)

	for _, l := range listeners {
		l.AfterCommit(h)
	}
	c.log.Debug("transaction committed", "tx", h.ID(), "stores", len(h.Stores()))
	return firstErr
}

// Rollback discards the transaction's effect on every store it touched.
// Safe to call whether or not Prepare was ever attempted.
func (c *Container) Rollback(ctx context.Context, cause error) {
	h, ok := txn.FromContext(ctx)
	if !ok {
		return
	}
	h.SetState(txn.RollingBack)
	for _, s := range h.Stores() {
		s.Rollback(h)
	}
	h.SetState(txn.Terminated)
	c.finish(h)

	c.listenersMu.RLock()
	listeners := append([]TransactionListener(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, l := range listeners {
		l.AfterRollback(h, cause)
	}
	c.log.Debug("transaction rolled back", "tx", h.ID(), "cause", cause)
}

// GetTransactionInfo returns a snapshot of the transaction bound to ctx.
func (c *Container) GetTransactionInfo(ctx context.Context) (Info, bool) {
	h, ok := txn.FromContext(ctx)
	if !ok {
		return Info{}, false
	}
	return Info{
		ID: h.ID(), Seq: h.Seq(), Description: h.Description(),
		State: h.State(), StartTime: h.StartTime(),
		Duration: time.Since(h.StartTime()),
		Stores:   storeNames(h),
	}, true
}

// GetLastFinishedTransactionInfo returns a snapshot of the most recently
// terminated transaction, if any has finished since the container was
// created.
func (c *Container) GetLastFinishedTransactionInfo() (Info, bool) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if c.lastInfo == nil {
		return Info{}, false
	}
	return *c.lastInfo, true
}

// ClearAllStores discards the committed contents of every registered
// store. Not transactional; intended for test setup/teardown.
func (c *Container) ClearAllStores() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stores {
		s.Clear()
	}
}

// Stats returns a snapshot of the container's current state.
func (c *Container) Stats() Stats {
	c.activeMu.Lock()
	active := len(c.active)
	c.activeMu.Unlock()

	c.mu.RLock()
	sizes := make(map[string]int, len(c.stores))
	for name, s := range c.stores {
		if sz, ok := s.(Sizer); ok {
			sizes[name] = sz.Size()
		}
	}
	c.mu.RUnlock()

	last, _ := c.GetLastFinishedTransactionInfo()
	var lastPtr *Info
	if last.ID != "" {
		lastPtr = &last
	}
	return Stats{ActiveTransactions: active, StoreSizes: sizes, LastFinished: lastPtr}
}

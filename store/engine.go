// Package store implements the store engine: the public transactional
// key-value API that composes a committed store, a per-transaction view,
// a secondary index registry, and a tracked-view registry into one
// two-phase-commit participant.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/jwiemer/jacis-go/adapter"
	"github.com/jwiemer/jacis-go/committed"
	"github.com/jwiemer/jacis-go/errs"
	"github.com/jwiemer/jacis-go/index"
	"github.com/jwiemer/jacis-go/trackedview"
	"github.com/jwiemer/jacis-go/txn"
	"github.com/jwiemer/jacis-go/txview"
)

// Engine is one named, typed store: the unit of registration inside a
// Container and the unit of participation in a transaction's two-phase
// commit.
type Engine[K comparable, V any] struct {
	name string
	cfg  config[K, V]
	log  *slog.Logger

	committed    *committed.Store[K, V]
	indexes      *index.Registry[K, V]
	trackedViews *trackedview.Registry[K, V]

	listenersMu sync.RWMutex
	listeners   []ModificationListener[K, V]

	viewsMu sync.Mutex
	views   map[string]*txview.View[K, V]

	// commitMu serializes the commit-phase critical section (index
	// uniqueness check, committed install, index apply) across
	// concurrently-committing transactions on this store. Per-key locks
	// alone cannot serialize two transactions that write different
	// primary keys but claim the same unique secondary key; the index's
	// own check-then-apply must be atomic.
	commitMu sync.Mutex
}

// New creates a named store engine. A nil logger defaults to
// slog.Default().
func New[K comparable, V any](name string, logger *slog.Logger, opts ...Option[K, V]) *Engine[K, V] {
	c := config[K, V]{adapter: adapter.NewIdentity[V]()}
	for _, opt := range opts {
		opt(&c)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine[K, V]{
		name:         name,
		cfg:          c,
		log:          logger,
		committed:    committed.New[K, V](),
		indexes:      index.NewRegistry[K, V](),
		trackedViews: trackedview.NewRegistry[K, V](),
		views:        make(map[string]*txview.View[K, V]),
	}
	if c.persistence != nil {
		c.persistence.Restore(e.InitStoreNonTransactional)
	}
	return e
}

func (e *Engine[K, V]) Name() string { return e.name }

// handleFromCtx resolves the active transaction handle and joins this
// engine to it the first time it's touched in that transaction.
func handleFromCtx(ctx context.Context, e txn.StoreHandle) (*txn.Handle, error) {
	h, ok := txn.FromContext(ctx)
	if !ok {
		return nil, errs.ErrNoTransaction
	}
	if h.State() != txn.Active {
		return nil, errs.New(errs.InvalidOperation, "transaction is not active").WithTx(h.ID())
	}
	h.Join(e)
	return h, nil
}

func (e *Engine[K, V]) viewFor(h *txn.Handle) *txview.View[K, V] {
	e.viewsMu.Lock()
	defer e.viewsMu.Unlock()
	v, ok := e.views[h.ID()]
	if !ok {
		v = txview.New[K, V]()
		e.views[h.ID()] = v
	}
	return v
}

func (e *Engine[K, V]) dropView(h *txn.Handle) {
	e.viewsMu.Lock()
	defer e.viewsMu.Unlock()
	delete(e.views, h.ID())
}

// touch returns the view entry for key, touching the committed store on
// first access within this transaction.
func (e *Engine[K, V]) touch(view *txview.View[K, V], key K) *txview.Entry[V] {
	if ent, ok := view.Get(key); ok {
		return ent
	}
	snap := e.committed.Touch(key)
	working := e.cfg.adapter.CommittedToWritable(snap.Value)
	ent := view.Touch(key, working, snap.Present, snap.Version)
	// Keep the original as its own copy, so in-place edits of the working
	// copy do not also change it.
	ent.OrigValue = e.cfg.adapter.CommittedToWritable(snap.Value)
	return ent
}

// Get returns the transaction's working copy of key, touching the
// committed store on first access. The zero value and false are returned,
// with a nil error, when the key is absent — absence is not itself an
// error condition.
func (e *Engine[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		var zero V
		return zero, false, err
	}
	view := e.viewFor(h)
	ent := e.touch(view, key)
	return ent.Value, ent.Present, nil
}

// GetReadOnly returns a read-only view of key's current transactional
// value (including this transaction's own uncommitted writes), without
// granting a mutable working copy.
func (e *Engine[K, V]) GetReadOnly(ctx context.Context, key K) (V, bool, error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		var zero V
		return zero, false, err
	}
	view := e.viewFor(h)
	ent := e.touch(view, key)
	if !ent.Present {
		var zero V
		return zero, false, nil
	}
	return e.cfg.adapter.WritableToReadOnly(ent.Value), true, nil
}

// LockReadOnly behaves like GetReadOnly but additionally flags key for
// version re-validation at prepare, so a concurrent writer that changes
// key after this read will fail this transaction's commit with
// StaleObject.
func (e *Engine[K, V]) LockReadOnly(ctx context.Context, key K) (V, bool, error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		var zero V
		return zero, false, err
	}
	view := e.viewFor(h)
	ent := e.touch(view, key)
	view.MarkReadLocked(key)
	if !ent.Present {
		var zero V
		return zero, false, nil
	}
	return e.cfg.adapter.WritableToReadOnly(ent.Value), true, nil
}

// Update sets key's transactional value, touching the committed store
// first if this is the transaction's first access to key.
func (e *Engine[K, V]) Update(ctx context.Context, key K, value V) error {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return err
	}
	view := e.viewFor(h)
	e.touch(view, key)
	view.Set(key, value, true)
	return nil
}

// Remove deletes key within this transaction.
func (e *Engine[K, V]) Remove(ctx context.Context, key K) error {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return err
	}
	view := e.viewFor(h)
	e.touch(view, key)
	var zero V
	view.Set(key, zero, false)
	return nil
}

// Refresh discards this transaction's cached view of key, if any, so the
// next access re-reads the committed store. Any uncommitted local edit to
// key is lost.
func (e *Engine[K, V]) Refresh(ctx context.Context, key K) error {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return err
	}
	view := e.viewFor(h)
	if _, ok := view.Get(key); ok {
		e.committed.Untouch(key)
		view.Discard(key)
	}
	return nil
}

func (e *Engine[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	_, found, err := e.Get(ctx, key)
	return found, err
}

// GetCommittedValue reads the committed store directly, bypassing this
// transaction's view entirely: it never reflects this transaction's own
// uncommitted writes, and it is never touched/locked by this call.
func (e *Engine[K, V]) GetCommittedValue(key K) (V, bool) {
	snap := e.committed.Peek(key)
	if !snap.Present {
		var zero V
		return zero, false
	}
	return e.cfg.adapter.CommittedToReadOnly(snap.Value), true
}

// GetTransactionStartValue returns the committed value as first observed
// by this transaction, before any of its own writes.
func (e *Engine[K, V]) GetTransactionStartValue(ctx context.Context, key K) (V, bool, error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		var zero V
		return zero, false, err
	}
	view := e.viewFor(h)
	ent := e.touch(view, key)
	if !ent.HasOrig || !ent.OrigPresent {
		var zero V
		return zero, false, nil
	}
	return e.cfg.adapter.CommittedToReadOnly(ent.OrigValue), true, nil
}

// GetObjectInfo returns diagnostic information about key's committed
// entry.
func (e *Engine[K, V]) GetObjectInfo(key K) (committed.ObjectInfo, bool) {
	return e.committed.Info(key)
}

// Size returns the number of present keys as seen from outside any
// transaction (committed state only).
func (e *Engine[K, V]) Size() int {
	return e.committed.Size()
}

// InitStoreNonTransactional bulk-loads value for key directly into the
// committed store, bypassing locking and versioning. Only safe before any
// transaction can observe the store.
func (e *Engine[K, V]) InitStoreNonTransactional(key K, value V) {
	e.committed.BulkInstall(key, e.cfg.adapter.WritableToCommitted(value))
}

// InitStoreNonTransactionalBatch bulk-loads every element of objects into
// the committed store, deriving each key with keyExtractor and, if
// valueExtractor is non-nil, transforming the stored value with it
// (otherwise the object itself is stored as-is). Like
// InitStoreNonTransactional, only safe before any transaction can observe
// the store. parallelism bounds the number of objects converted and
// installed concurrently; values less than 1 are treated as 1.
func InitStoreNonTransactionalBatch[K comparable, V any, O any](e *Engine[K, V], objects []O, keyExtractor func(O) K, valueExtractor func(O) V, parallelism int) {
	if parallelism < 1 {
		parallelism = 1
	}
	if valueExtractor == nil {
		valueExtractor = func(o O) V {
			v, _ := any(o).(V)
			return v
		}
	}

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for _, obj := range objects {
		wg.Add(1)
		sem <- struct{}{}
		go func(obj O) {
			defer wg.Done()
			defer func() { <-sem }()
			e.InitStoreNonTransactional(keyExtractor(obj), valueExtractor(obj))
		}(obj)
	}
	wg.Wait()
}

// RegisterModificationListener adds a listener invoked on every future
// commit.
func (e *Engine[K, V]) RegisterModificationListener(l ModificationListener[K, V]) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// GetTrackedViewRegistry exposes the tracked-view registry so callers can
// Register new views and Snapshot/Get existing ones.
func (e *Engine[K, V]) GetTrackedViewRegistry() *trackedview.Registry[K, V] {
	return e.trackedViews
}

// Indexes exposes the index registry so package-level CreateUniqueIndex /
// CreateNonUniqueIndex helpers (which need a third type parameter Go
// forbids on a method) can operate on it.
func (e *Engine[K, V]) Indexes() *index.Registry[K, V] {
	return e.indexes
}

// Stream returns an iterator over every (key, value) this transaction
// would see: committed contents with this transaction's own writes
// overlaid.
func (e *Engine[K, V]) Stream(ctx context.Context, filter func(K, V) bool) (*Iterator[K, V], error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return nil, err
	}
	view := e.viewFor(h)

	seen := make(map[K]struct{})
	var keys []K
	var values []V
	add := func(k K, v V, present bool) {
		if !present {
			return
		}
		if filter != nil && !filter(k, v) {
			return
		}
		keys = append(keys, k)
		values = append(values, v)
	}

	for _, k := range view.Touched() {
		ent, _ := view.Get(k)
		seen[k] = struct{}{}
		add(k, ent.Value, ent.Present)
	}
	e.committed.Each(func(k K, v V) {
		if _, ok := seen[k]; ok {
			return
		}
		add(k, e.cfg.adapter.CommittedToWritable(v), true)
	})
	return newIterator[K, V](keys, values), nil
}

// StreamReadOnly behaves like Stream but passes every value Stream yields
// through WritableToReadOnly instead of handing out mutable working
// copies.
func (e *Engine[K, V]) StreamReadOnly(ctx context.Context, filter func(K, V) bool) (*Iterator[K, V], error) {
	it, err := e.Stream(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, v := range it.values {
		it.values[i] = e.cfg.adapter.WritableToReadOnly(v)
	}
	return it, nil
}

// Collect materializes Stream into a map.
func (e *Engine[K, V]) Collect(ctx context.Context, filter func(K, V) bool) (map[K]V, error) {
	it, err := e.Stream(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make(map[K]V)
	for it.Next() {
		out[it.Key()] = it.Value()
	}
	return out, nil
}

// GetReadOnlySnapshot returns a read-only copy of every key this
// transaction would see.
func (e *Engine[K, V]) GetReadOnlySnapshot(ctx context.Context) (map[K]V, error) {
	it, err := e.StreamReadOnly(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[K]V)
	for it.Next() {
		out[it.Key()] = it.Value()
	}
	return out, nil
}

// Clear discards every committed entry. Non-transactional; used by
// Container.ClearAllStores.
func (e *Engine[K, V]) Clear() {
	e.committed.Clear()
}

// promoteDirty checks, for every key this transaction touched but never
// ran through Update/Remove, whether the working copy was mutated in
// place after first touch — e.g. the caller got a pointer from Get and
// mutated the pointee directly — and if so promotes the entry to Updated
// so it participates in validation, indexing and commit like any other
// write. Only runs when the store is configured with WithDirtyCheck.
func (e *Engine[K, V]) promoteDirty(view *txview.View[K, V]) {
	if !e.cfg.dirtyCheck {
		return
	}
	for _, key := range view.Touched() {
		ent, _ := view.Get(key)
		if ent.Updated {
			continue
		}
		if ent.Present != ent.OrigPresent || (ent.Present && !reflect.DeepEqual(ent.Value, ent.OrigValue)) {
			ent.Updated = true
		}
	}
}

// releaseView decrements the committed refCount for every key this
// transaction touched and discards the view itself. Called once a
// transaction has finished with a store, on both the commit and rollback
// paths.
func (e *Engine[K, V]) releaseView(h *txn.Handle, view *txview.View[K, V]) {
	for _, key := range view.Touched() {
		e.committed.Untouch(key)
	}
	e.dropView(h)
}

// Prepare implements txn.StoreHandle: it locks every key this transaction
// touched for writing or read-locking, validates that no key's committed
// version has moved since first touch, and asks the index registry and
// every modification listener whether the pending changes are acceptable.
// No committed state is mutated here.
func (e *Engine[K, V]) Prepare(h *txn.Handle) error {
	view := e.viewFor(h)
	e.promoteDirty(view)

	locked := make([]K, 0, view.Len())
	rollbackLocks := func() {
		for _, k := range locked {
			e.committed.Unlock(k, h.ID())
		}
	}

	for _, key := range view.NeedsValidation() {
		snap, ok := e.committed.TryLock(key, h.ID())
		if !ok {
			rollbackLocks()
			return errs.ErrLockContention.WithStore(e.name).WithTx(h.ID()).WithKey(key)
		}
		locked = append(locked, key)

		ent, _ := view.Get(key)
		if snap.Version != ent.OrigVersion {
			ent.Stale = true
			rollbackLocks()
			return errs.ErrStaleObject.WithStore(e.name).WithTx(h.ID()).WithKey(key)
		}
	}

	changes := make(map[K]index.OverlayEntry[V], len(view.Updated()))
	for _, key := range view.Updated() {
		ent, _ := view.Get(key)
		changes[key] = index.OverlayEntry[V]{
			OrigValue:   ent.OrigValue,
			OrigPresent: ent.OrigPresent,
			CurValue:    ent.Value,
			CurPresent:  ent.Present,
			Updated:     true,
		}
	}

	e.listenersMu.RLock()
	listeners := append([]ModificationListener[K, V](nil), e.listeners...)
	e.listenersMu.RUnlock()

	// Listeners may rewrite the value about to be committed before
	// uniqueness and veto checks see it.
	for key, ch := range changes {
		for _, l := range listeners {
			if nv, adjusted := l.AdjustBeforePrepare(key, ch.OrigValue, ch.OrigPresent, ch.CurValue, ch.CurPresent); adjusted {
				ch.CurValue = nv
				changes[key] = ch
				if ent, ok := view.Get(key); ok {
					ent.Value = nv
				}
			}
		}
	}

	if !e.indexes.Empty() {
		if err := e.indexes.CheckAll(changes); err != nil {
			rollbackLocks()
			return errs.Wrap(errs.UniqueIndexViolation, err.Error(), err).WithStore(e.name).WithTx(h.ID())
		}
	}

	for key, ch := range changes {
		for _, l := range listeners {
			if err := l.BeforeModification(key, ch.OrigValue, ch.OrigPresent, ch.CurValue, ch.CurPresent); err != nil {
				rollbackLocks()
				return errs.Wrap(errs.ModificationVeto, "listener rejected modification", err).WithStore(e.name).WithTx(h.ID()).WithKey(key)
			}
		}
	}

	e.log.Debug("store prepared", "store", e.name, "tx", h.ID(), "changed", len(changes))
	return nil
}

// Commit implements txn.StoreHandle: it installs every changed key's new
// value into the committed store, applies the same changes to every
// secondary index and tracked view, dispatches AfterModification
// listeners, forwards the batch to any registered persistence adapter,
// and finally releases every lock this transaction held.
func (e *Engine[K, V]) Commit(h *txn.Handle) error {
	view := e.viewFor(h)
	defer func() {
		for _, key := range view.NeedsValidation() {
			e.committed.Unlock(key, h.ID())
		}
		e.releaseView(h, view)
	}()

	changes := make(map[K]index.OverlayEntry[V])
	for _, key := range view.Updated() {
		ent, _ := view.Get(key)
		changes[key] = index.OverlayEntry[V]{
			OrigValue:   ent.OrigValue,
			OrigPresent: ent.OrigPresent,
			CurValue:    ent.Value,
			CurPresent:  ent.Present,
			Updated:     true,
		}
	}
	if len(changes) == 0 {
		return nil
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	// The authoritative uniqueness check happens here, under commitMu,
	// immediately before install: this is the true serialization point
	// for two transactions racing to claim the same secondary-key value
	// on different primary keys (see commitMu's doc comment).
	if !e.indexes.Empty() {
		if err := e.indexes.CheckAll(changes); err != nil {
			return errs.Wrap(errs.UniqueIndexViolation, err.Error(), err).WithStore(e.name).WithTx(h.ID())
		}
	}

	var diffs []trackedview.Diff[V]
	var persisted []Change[K, V]
	for key, ch := range changes {
		committedValue := e.cfg.adapter.WritableToCommitted(ch.CurValue)
		if _, ok := e.committed.Install(key, committedValue, ch.CurPresent, h.ID(), h.Seq()); !ok {
			return errs.New(errs.Internal, "commit-phase install failed after successful prepare").WithStore(e.name).WithTx(h.ID()).WithKey(key)
		}
		diffs = append(diffs, trackedview.Diff[V]{
			OldValue: ch.OrigValue, OldPresent: ch.OrigPresent,
			NewValue: ch.CurValue, NewPresent: ch.CurPresent,
		})
		persisted = append(persisted, Change[K, V]{
			Key: key, OldValue: ch.OrigValue, OldPresent: ch.OrigPresent,
			NewValue: ch.CurValue, NewPresent: ch.CurPresent,
		})
	}

	e.indexes.ApplyAll(changes)

	var trackedViewErr error
	if err := e.trackedViews.ApplyCommit(diffs); err != nil {
		// Already-installed committed values are not rolled back; the
		// error is still reported to the caller once the rest of commit
		// has run.
		e.log.Error("tracked view update failed after commit", "store", e.name, "tx", h.ID(), "err", err)
		trackedViewErr = errs.Wrap(errs.TrackedViewFailure, "tracked view update failed", err).WithStore(e.name).WithTx(h.ID())
	}

	if e.cfg.checkViewsOnCommit {
		for _, name := range e.trackedViews.Names() {
			view, ok := e.trackedViews.Get(name)
			if !ok {
				continue
			}
			if checkable, ok := view.(trackedview.CheckableView[V]); ok {
				if err := checkable.CheckView(); err != nil {
					e.log.Warn("tracked view failed post-commit audit", "store", e.name, "tx", h.ID(), "view", name, "err", err)
				}
			}
		}
	}

	e.listenersMu.RLock()
	listeners := append([]ModificationListener[K, V](nil), e.listeners...)
	e.listenersMu.RUnlock()
	for key, ch := range changes {
		for _, l := range listeners {
			l.AfterModification(key, ch.OrigValue, ch.OrigPresent, ch.CurValue, ch.CurPresent)
		}
	}

	if e.cfg.persistence != nil {
		if err := e.cfg.persistence.WriteBatch(persisted); err != nil {
			e.log.Warn("persistence adapter write failed", "store", e.name, "tx", h.ID(), "err", err)
		}
		if pl, ok := e.cfg.persistence.(PersistenceLifecycle); ok {
			pl.AfterCommit()
		}
	}

	e.log.Debug("store committed", "store", e.name, "tx", h.ID(), "changed", len(changes))
	return trackedViewErr
}

// Rollback implements txn.StoreHandle: it releases every lock this
// transaction held and discards its view. No committed state was ever
// touched, so there is nothing to undo.
func (e *Engine[K, V]) Rollback(h *txn.Handle) {
	view := e.viewFor(h)
	for _, key := range view.NeedsValidation() {
		e.committed.Unlock(key, h.ID())
	}
	e.releaseView(h, view)
	if e.cfg.persistence != nil {
		if pl, ok := e.cfg.persistence.(PersistenceLifecycle); ok {
			pl.AfterRollback()
		}
	}
	e.log.Debug("store rolled back", "store", e.name, "tx", h.ID())
}

// TrackedViewSnapshot returns a snapshot of the named tracked view as this
// transaction would see it: a clone of the committed view with this
// transaction's own pending modifications replayed on top. Later writes
// in the same transaction do not retroactively change a snapshot already
// handed out.
func (e *Engine[K, V]) TrackedViewSnapshot(ctx context.Context, name string) (trackedview.TrackedView[V], bool, error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return nil, false, err
	}
	base, ok := e.trackedViews.Get(name)
	if !ok {
		return nil, false, nil
	}
	snap := base.Clone()
	view := e.viewFor(h)
	for _, key := range view.Updated() {
		ent, _ := view.Get(key)
		if err := snap.TrackModification(ent.OrigValue, ent.OrigPresent, ent.Value, ent.Present); err != nil {
			return nil, false, errs.Wrap(errs.TrackedViewFailure, "tracked view snapshot replay failed", err).WithStore(e.name).WithTx(h.ID()).WithKey(key)
		}
	}
	return snap, true, nil
}

var _ fmt.Stringer = (*Engine[int, int])(nil)

func (e *Engine[K, V]) String() string {
	return fmt.Sprintf("store[%s size=%d]", e.name, e.committed.Size())
}

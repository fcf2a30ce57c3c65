// Package committed implements the per-store committed map: the keyed,
// versioned, optimistically-locked state that every transaction's view is
// built from and reconciled back into at commit. A contended key fails
// immediately with LockContention rather than queuing the caller.
package committed

import (
	"sync"
)

// Entry is one key's committed state: its current value (if present), its
// version, and the bookkeeping needed for the optimistic commit protocol.
type Entry[V any] struct {
	mu sync.Mutex

	value   V
	present bool
	version uint64

	lockedForTx string
	refCount    int

	// lastModifiedSeq records the Seq of the transaction handle that last
	// installed a value here. Diagnostic only (store.GetObjectInfo);
	// plays no role in the stale-object protocol.
	lastModifiedSeq uint64
}

// Snapshot is a point-in-time, adapter-independent read of an Entry.
type Snapshot[V any] struct {
	Value   V
	Present bool
	Version uint64
}

// Store is the committed map for one (key type, value type) pair. Every
// mutation of a single entry is serialized through that entry's own mutex;
// structural changes to the key set (insertion of a new tombstone, removal
// of a dead one) are serialized through mu.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*Entry[V]
}

// New creates an empty committed store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]*Entry[V])}
}

func (s *Store[K, V]) getOrCreate(key K) *Entry[V] {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &Entry[V]{}
	s.entries[key] = e
	return e
}

// Touch increments refCount and returns a snapshot of the current state,
// creating a tombstone entry (version 0, absent) if the key has never been
// seen. Every TxView.get/getReadOnly/lockReadOnly call ends in a Touch.
func (s *Store[K, V]) Touch(key K) Snapshot[V] {
	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refCount++
	return Snapshot[V]{Value: e.value, Present: e.present, Version: e.version}
}

// Untouch decrements refCount and, if the entry is an unlocked tombstone
// with no remaining readers, removes it from the map.
func (s *Store[K, V]) Untouch(key K) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.refCount > 0 {
		e.refCount--
	}
	evictable := e.refCount == 0 && !e.present && e.lockedForTx == ""
	e.mu.Unlock()

	if !evictable {
		return
	}
	s.maybeEvict(key, e)
}

func (s *Store[K, V]) maybeEvict(key K, e *Entry[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur != e {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refCount == 0 && !e.present && e.lockedForTx == "" {
		delete(s.entries, key)
	}
}

// TryLock attempts to take the commit-time lock on key for tx, returning
// the current snapshot on success. The lock is reentrant for the same tx
// (re-acquiring during prepare is a no-op) but exclusive across different
// transactions.
func (s *Store[K, V]) TryLock(key K, tx string) (Snapshot[V], bool) {
	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockedForTx != "" && e.lockedForTx != tx {
		return Snapshot[V]{}, false
	}
	e.lockedForTx = tx
	return Snapshot[V]{Value: e.value, Present: e.present, Version: e.version}, true
}

// Unlock releases the commit-time lock on key if held by tx, and evicts the
// entry if it has become a dead tombstone.
func (s *Store[K, V]) Unlock(key K, tx string) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.lockedForTx == tx {
		e.lockedForTx = ""
	}
	evictable := e.refCount == 0 && !e.present && e.lockedForTx == ""
	e.mu.Unlock()

	if evictable {
		s.maybeEvict(key, e)
	}
}

// Install replaces the committed value for key. The caller must hold the
// lock (TryLock must have returned true for this tx). Returns the new
// version.
func (s *Store[K, V]) Install(key K, value V, present bool, tx string, seq uint64) (uint64, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockedForTx != tx {
		return 0, false
	}
	e.value = value
	e.present = present
	e.version++
	e.lastModifiedSeq = seq
	return e.version, true
}

// Peek reads the current committed state without touching refCount or the
// lock. Used by GetCommittedValue, which bypasses the TxView entirely.
func (s *Store[K, V]) Peek(key K) Snapshot[V] {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Snapshot[V]{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot[V]{Value: e.value, Present: e.present, Version: e.version}
}

// ObjectInfo is the diagnostic view returned by Store.GetObjectInfo.
type ObjectInfo struct {
	Present     bool
	Version     uint64
	LockedForTx string
	RefCount    int

	LastModifiedSeq uint64
}

func (s *Store[K, V]) Info(key K) (ObjectInfo, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return ObjectInfo{
		Present:     e.present,
		Version:     e.version,
		LockedForTx: e.lockedForTx,
		RefCount:    e.refCount,

		LastModifiedSeq: e.lastModifiedSeq,
	}, true
}

// Size returns the number of present (non-tombstone) entries. The exact
// moment a dead tombstone disappears is not a contract; callers should not
// assert on Size() across the prepare/commit boundary.
func (s *Store[K, V]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if e.present {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Keys returns a point-in-time copy of every key currently tracked,
// present or tombstoned. Used to seed iteration and tracked-view
// construction.
func (s *Store[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]K, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Each calls fn for every present entry's (key, value). Used to build
// snapshots and seed tracked views; fn must not call back into the store.
func (s *Store[K, V]) Each(fn func(K, V)) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		s.mu.RLock()
		e, ok := s.entries[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		v, present := e.value, e.present
		e.mu.Unlock()
		if present {
			fn(k, v)
		}
	}
}

// BulkInstall directly sets the committed value for key, bypassing the
// lock/version protocol. Only safe for non-transactional initial load
// (store.Engine.InitStoreNonTransactional), before any transaction can
// possibly observe or contend for the key.
func (s *Store[K, V]) BulkInstall(key K, value V) {
	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.present = true
	e.version++
}

// Clear removes every entry, committed and tombstoned alike. Used by
// Container.ClearAllStores.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[K]*Entry[V])
}

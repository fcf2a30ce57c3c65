// Package index implements secondary indexes over a store's committed
// key space, overlay-aware so that a transaction's uncommitted writes
// participate in lookups and uniqueness checks performed inside that same
// transaction.
package index

import (
	"sync"

	"github.com/jwiemer/jacis-go/errs"
)

// OverlayEntry describes one key's state as seen through a transaction's
// view, supplied by the store engine so this package never needs to import
// jacis/txview (which would create a cycle, since txview has no reason to
// know about index but store depends on both).
type OverlayEntry[V any] struct {
	OrigValue   V
	OrigPresent bool
	CurValue    V
	CurPresent  bool
	Updated     bool
}

// Extractor derives a single secondary-key value from V.
type Extractor[V any, S comparable] func(V) S

// MultiExtractor derives zero or more secondary-key values from V, for
// indexes where one object contributes multiple entries (e.g. tags).
type MultiExtractor[V any, S comparable] func(V) []S

// Maintainer is the non-generic-over-S surface the store engine drives
// during prepare/commit, so a Registry[K,V] can hold indexes with
// different secondary-key types in one slice.
type Maintainer[K comparable, V any] interface {
	Name() string
	// CheckCommit validates that applying the given per-key overlay
	// changes would not violate this index (uniqueness, etc). Called at
	// prepare. Must not mutate index state.
	CheckCommit(changes map[K]OverlayEntry[V]) error
	// ApplyCommit installs the given changes into the index's own maps.
	// Called at commit, after CheckCommit has already succeeded for
	// every index.
	ApplyCommit(changes map[K]OverlayEntry[V])
	// Seed rebuilds the index from scratch by walking every (key, value)
	// iter yields, called once at CreateIndex time. Returns
	// UNIQUE_INDEX_VIOLATION if the existing committed values already
	// collide on a unique index.
	Seed(iter func(func(K, V))) error
}

// UniqueIndex enforces a one-to-one mapping from secondary key to primary
// key.
type UniqueIndex[K comparable, V any, S comparable] struct {
	name      string
	extractor Extractor[V, S]

	mu      sync.RWMutex
	byValue map[S]K
}

func NewUnique[K comparable, V any, S comparable](name string, extractor Extractor[V, S]) *UniqueIndex[K, V, S] {
	return &UniqueIndex[K, V, S]{name: name, extractor: extractor, byValue: make(map[S]K)}
}

func (idx *UniqueIndex[K, V, S]) Name() string { return idx.name }

// Get returns the primary key currently mapped to secondary key sv,
// committed state only (no overlay).
func (idx *UniqueIndex[K, V, S]) Get(sv S) (K, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	k, ok := idx.byValue[sv]
	return k, ok
}

// GetWithOverlay returns the primary key for sv as it would appear after
// applying the given transaction overlay on top of the committed index.
func (idx *UniqueIndex[K, V, S]) GetWithOverlay(sv S, overlay map[K]OverlayEntry[V]) (K, bool) {
	for k, ch := range overlay {
		if !ch.Updated {
			continue
		}
		if ch.CurPresent && idx.extractor(ch.CurValue) == sv {
			return k, true
		}
	}
	k, ok := idx.Get(sv)
	if !ok {
		return k, false
	}
	if ch, touched := overlay[k]; touched && ch.Updated {
		if !ch.CurPresent || idx.extractor(ch.CurValue) != sv {
			return k, false
		}
	}
	return k, true
}

func (idx *UniqueIndex[K, V, S]) CheckCommit(changes map[K]OverlayEntry[V]) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	claims := make(map[S]K, len(changes))
	for k, ch := range changes {
		if !ch.Updated || !ch.CurPresent {
			continue
		}
		sv := idx.extractor(ch.CurValue)
		if owner, ok := idx.byValue[sv]; ok && owner != k {
			if other, reclaimed := changes[owner]; !reclaimed || other.CurPresent {
				return errs.New(errs.UniqueIndexViolation, "secondary key already claimed").WithKey(sv)
			}
		}
		if prev, dup := claims[sv]; dup && prev != k {
			return errs.New(errs.UniqueIndexViolation, "two keys in this commit claim the same secondary key").WithKey(sv)
		}
		claims[sv] = k
	}
	return nil
}

// Seed rebuilds byValue from iter, failing with UNIQUE_INDEX_VIOLATION if
// two existing committed values collide on their extracted secondary key.
func (idx *UniqueIndex[K, V, S]) Seed(iter func(func(K, V))) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fresh := make(map[S]K)
	var seedErr error
	iter(func(k K, v V) {
		if seedErr != nil {
			return
		}
		sv := idx.extractor(v)
		if owner, dup := fresh[sv]; dup && owner != k {
			seedErr = errs.New(errs.UniqueIndexViolation, "existing committed values collide on secondary key").WithKey(sv)
			return
		}
		fresh[sv] = k
	})
	if seedErr != nil {
		return seedErr
	}
	idx.byValue = fresh
	return nil
}

func (idx *UniqueIndex[K, V, S]) ApplyCommit(changes map[K]OverlayEntry[V]) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k, ch := range changes {
		if !ch.Updated {
			continue
		}
		if ch.OrigPresent {
			oldSV := idx.extractor(ch.OrigValue)
			if owner, ok := idx.byValue[oldSV]; ok && owner == k {
				delete(idx.byValue, oldSV)
			}
		}
		if ch.CurPresent {
			idx.byValue[idx.extractor(ch.CurValue)] = k
		}
	}
}

// NonUniqueIndex maps one secondary key to a set of primary keys.
type NonUniqueIndex[K comparable, V any, S comparable] struct {
	name      string
	extractor Extractor[V, S]

	mu   sync.RWMutex
	fwd  map[S]map[K]struct{}
	back map[K]S
}

func NewNonUnique[K comparable, V any, S comparable](name string, extractor Extractor[V, S]) *NonUniqueIndex[K, V, S] {
	return &NonUniqueIndex[K, V, S]{
		name:      name,
		extractor: extractor,
		fwd:       make(map[S]map[K]struct{}),
		back:      make(map[K]S),
	}
}

func (idx *NonUniqueIndex[K, V, S]) Name() string { return idx.name }

// GetAll returns every primary key currently mapped to sv, committed state
// only.
func (idx *NonUniqueIndex[K, V, S]) GetAll(sv S) []K {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]K, 0, len(idx.fwd[sv]))
	for k := range idx.fwd[sv] {
		out = append(out, k)
	}
	return out
}

// GetAllWithOverlay applies changes on top of the committed mapping for sv.
func (idx *NonUniqueIndex[K, V, S]) GetAllWithOverlay(sv S, overlay map[K]OverlayEntry[V]) []K {
	idx.mu.RLock()
	base := make(map[K]struct{}, len(idx.fwd[sv]))
	for k := range idx.fwd[sv] {
		base[k] = struct{}{}
	}
	idx.mu.RUnlock()

	for k, ch := range overlay {
		if !ch.Updated {
			continue
		}
		matches := ch.CurPresent && idx.extractor(ch.CurValue) == sv
		if matches {
			base[k] = struct{}{}
		} else {
			delete(base, k)
		}
	}
	out := make([]K, 0, len(base))
	for k := range base {
		out = append(out, k)
	}
	return out
}

func (idx *NonUniqueIndex[K, V, S]) CheckCommit(map[K]OverlayEntry[V]) error { return nil }

// Seed rebuilds fwd/back from iter; non-unique indexes never reject a seed.
func (idx *NonUniqueIndex[K, V, S]) Seed(iter func(func(K, V))) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	fwd := make(map[S]map[K]struct{})
	back := make(map[K]S)
	iter(func(k K, v V) {
		sv := idx.extractor(v)
		if fwd[sv] == nil {
			fwd[sv] = make(map[K]struct{})
		}
		fwd[sv][k] = struct{}{}
		back[k] = sv
	})
	idx.fwd, idx.back = fwd, back
	return nil
}

func (idx *NonUniqueIndex[K, V, S]) ApplyCommit(changes map[K]OverlayEntry[V]) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k, ch := range changes {
		if !ch.Updated {
			continue
		}
		if old, had := idx.back[k]; had {
			if set := idx.fwd[old]; set != nil {
				delete(set, k)
				if len(set) == 0 {
					delete(idx.fwd, old)
				}
			}
			delete(idx.back, k)
		}
		if ch.CurPresent {
			sv := idx.extractor(ch.CurValue)
			if idx.fwd[sv] == nil {
				idx.fwd[sv] = make(map[K]struct{})
			}
			idx.fwd[sv][k] = struct{}{}
			idx.back[k] = sv
		}
	}
}

// NonUniqueMultiIndex maps each primary key to zero or more secondary keys
// (e.g. a tag set), each secondary key mapping back to the set of primary
// keys that contributed it.
type NonUniqueMultiIndex[K comparable, V any, S comparable] struct {
	name      string
	extractor MultiExtractor[V, S]

	mu   sync.RWMutex
	fwd  map[S]map[K]struct{}
	back map[K][]S
}

func NewNonUniqueMulti[K comparable, V any, S comparable](name string, extractor MultiExtractor[V, S]) *NonUniqueMultiIndex[K, V, S] {
	return &NonUniqueMultiIndex[K, V, S]{
		name:      name,
		extractor: extractor,
		fwd:       make(map[S]map[K]struct{}),
		back:      make(map[K][]S),
	}
}

func (idx *NonUniqueMultiIndex[K, V, S]) Name() string { return idx.name }

func (idx *NonUniqueMultiIndex[K, V, S]) GetAll(sv S) []K {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]K, 0, len(idx.fwd[sv]))
	for k := range idx.fwd[sv] {
		out = append(out, k)
	}
	return out
}

// GetAllWithOverlay applies changes on top of the committed mapping for sv.
func (idx *NonUniqueMultiIndex[K, V, S]) GetAllWithOverlay(sv S, overlay map[K]OverlayEntry[V]) []K {
	idx.mu.RLock()
	base := make(map[K]struct{}, len(idx.fwd[sv]))
	for k := range idx.fwd[sv] {
		base[k] = struct{}{}
	}
	idx.mu.RUnlock()

	for k, ch := range overlay {
		if !ch.Updated {
			continue
		}
		matches := false
		if ch.CurPresent {
			for _, s := range idx.extractor(ch.CurValue) {
				if s == sv {
					matches = true
					break
				}
			}
		}
		if matches {
			base[k] = struct{}{}
		} else {
			delete(base, k)
		}
	}
	out := make([]K, 0, len(base))
	for k := range base {
		out = append(out, k)
	}
	return out
}

func (idx *NonUniqueMultiIndex[K, V, S]) CheckCommit(map[K]OverlayEntry[V]) error { return nil }

// Seed rebuilds fwd/back from iter; non-unique multi-indexes never reject a
// seed.
func (idx *NonUniqueMultiIndex[K, V, S]) Seed(iter func(func(K, V))) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	fwd := make(map[S]map[K]struct{})
	back := make(map[K][]S)
	iter(func(k K, v V) {
		svs := idx.extractor(v)
		back[k] = svs
		for _, sv := range svs {
			if fwd[sv] == nil {
				fwd[sv] = make(map[K]struct{})
			}
			fwd[sv][k] = struct{}{}
		}
	})
	idx.fwd, idx.back = fwd, back
	return nil
}

func (idx *NonUniqueMultiIndex[K, V, S]) ApplyCommit(changes map[K]OverlayEntry[V]) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k, ch := range changes {
		if !ch.Updated {
			continue
		}
		for _, sv := range idx.back[k] {
			if set := idx.fwd[sv]; set != nil {
				delete(set, k)
				if len(set) == 0 {
					delete(idx.fwd, sv)
				}
			}
		}
		delete(idx.back, k)

		if ch.CurPresent {
			svs := idx.extractor(ch.CurValue)
			idx.back[k] = svs
			for _, sv := range svs {
				if idx.fwd[sv] == nil {
					idx.fwd[sv] = make(map[K]struct{})
				}
				idx.fwd[sv][k] = struct{}{}
			}
		}
	}
}

// Registry owns the named set of indexes for one store.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	indexes map[string]Maintainer[K, V]
}

func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{indexes: make(map[string]Maintainer[K, V])}
}

func (r *Registry[K, V]) Add(m Maintainer[K, V]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[m.Name()]; ok {
		return errs.New(errs.IndexAlreadyExists, m.Name())
	}
	r.indexes[m.Name()] = m
	return nil
}

func (r *Registry[K, V]) Get(name string) (Maintainer[K, V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.indexes[name]
	return m, ok
}

// Remove discards the named index. Used to roll back a CreateIndex call
// whose seed step fails after Add already registered it.
func (r *Registry[K, V]) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes, name)
}

// CreateUniqueIndex is a free function, not a Registry method: Go forbids
// a method from introducing a type parameter beyond its receiver's, and a
// secondary-key type S is exactly such a parameter.
func CreateUniqueIndex[K comparable, V any, S comparable](r *Registry[K, V], name string, extractor Extractor[V, S]) (*UniqueIndex[K, V, S], error) {
	idx := NewUnique[K, V, S](name, extractor)
	if err := r.Add(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func CreateNonUniqueIndex[K comparable, V any, S comparable](r *Registry[K, V], name string, extractor Extractor[V, S]) (*NonUniqueIndex[K, V, S], error) {
	idx := NewNonUnique[K, V, S](name, extractor)
	if err := r.Add(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func CreateNonUniqueMultiIndex[K comparable, V any, S comparable](r *Registry[K, V], name string, extractor MultiExtractor[V, S]) (*NonUniqueMultiIndex[K, V, S], error) {
	idx := NewNonUniqueMulti[K, V, S](name, extractor)
	if err := r.Add(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// CheckAll runs CheckCommit on every registered index; used at prepare.
func (r *Registry[K, V]) CheckAll(changes map[K]OverlayEntry[V]) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, idx := range r.indexes {
		if err := idx.CheckCommit(changes); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAll runs ApplyCommit on every registered index; used at commit,
// after CheckAll has already passed for all of them.
func (r *Registry[K, V]) ApplyAll(changes map[K]OverlayEntry[V]) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, idx := range r.indexes {
		idx.ApplyCommit(changes)
	}
}

// Empty reports whether no indexes are registered, letting the engine skip
// overlay-building work entirely for stores with no indexes.
func (r *Registry[K, V]) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes) == 0
}

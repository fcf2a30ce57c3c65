package store

import (
	"context"

	"github.com/jwiemer/jacis-go/index"
)

// CreateUniqueIndex registers a unique secondary index on e and seeds it
// from e's current committed contents, failing with
// UNIQUE_INDEX_VIOLATION (and leaving the registry unchanged) if two
// already-committed values collide on the extracted secondary key. A free
// function rather than a method, like index.CreateUniqueIndex itself,
// since Go does not allow a method to introduce a type parameter (the
// secondary-key type S) beyond those of its receiver.
func CreateUniqueIndex[K comparable, V any, S comparable](e *Engine[K, V], name string, extractor index.Extractor[V, S]) (*index.UniqueIndex[K, V, S], error) {
	idx, err := index.CreateUniqueIndex[K, V, S](e.Indexes(), name, extractor)
	if err != nil {
		return nil, err
	}
	if err := idx.Seed(e.committed.Each); err != nil {
		e.Indexes().Remove(name)
		return nil, err
	}
	return idx, nil
}

func CreateNonUniqueIndex[K comparable, V any, S comparable](e *Engine[K, V], name string, extractor index.Extractor[V, S]) (*index.NonUniqueIndex[K, V, S], error) {
	idx, err := index.CreateNonUniqueIndex[K, V, S](e.Indexes(), name, extractor)
	if err != nil {
		return nil, err
	}
	_ = idx.Seed(e.committed.Each)
	return idx, nil
}

func CreateNonUniqueMultiIndex[K comparable, V any, S comparable](e *Engine[K, V], name string, extractor index.MultiExtractor[V, S]) (*index.NonUniqueMultiIndex[K, V, S], error) {
	idx, err := index.CreateNonUniqueMultiIndex[K, V, S](e.Indexes(), name, extractor)
	if err != nil {
		return nil, err
	}
	_ = idx.Seed(e.committed.Each)
	return idx, nil
}

// overlayFor builds the index.OverlayEntry map this transaction's current
// writes imply, so per-transaction index queries reflect the reading
// transaction's own uncommitted writes.
func overlayFor[K comparable, V any](e *Engine[K, V], ctx context.Context) (map[K]index.OverlayEntry[V], error) {
	h, err := handleFromCtx(ctx, e)
	if err != nil {
		return nil, err
	}
	view := e.viewFor(h)
	out := make(map[K]index.OverlayEntry[V], len(view.Updated()))
	for _, key := range view.Updated() {
		ent, _ := view.Get(key)
		out[key] = index.OverlayEntry[V]{
			OrigValue: ent.OrigValue, OrigPresent: ent.OrigPresent,
			CurValue: ent.Value, CurPresent: ent.Present, Updated: true,
		}
	}
	return out, nil
}

// IndexGet looks up sv in idx as this transaction's context would see it:
// committed bindings with this transaction's own pending writes overlaid.
func IndexGet[K comparable, V any, S comparable](ctx context.Context, e *Engine[K, V], idx *index.UniqueIndex[K, V, S], sv S) (K, bool, error) {
	overlay, err := overlayFor(e, ctx)
	if err != nil {
		var zero K
		return zero, false, err
	}
	k, ok := idx.GetWithOverlay(sv, overlay)
	return k, ok, nil
}

// IndexGetReadOnly bypasses any transaction overlay and returns committed
// bindings directly.
func IndexGetReadOnly[K comparable, V any, S comparable](idx *index.UniqueIndex[K, V, S], sv S) (K, bool) {
	return idx.Get(sv)
}

// IndexMultiGet is the non-unique analogue of IndexGet.
func IndexMultiGet[K comparable, V any, S comparable](ctx context.Context, e *Engine[K, V], idx *index.NonUniqueIndex[K, V, S], sv S) ([]K, error) {
	overlay, err := overlayFor(e, ctx)
	if err != nil {
		return nil, err
	}
	return idx.GetAllWithOverlay(sv, overlay), nil
}

// IndexMultiGetReadOnly is the non-unique analogue of IndexGetReadOnly.
func IndexMultiGetReadOnly[K comparable, V any, S comparable](idx *index.NonUniqueIndex[K, V, S], sv S) []K {
	return idx.GetAll(sv)
}

// GetUniqueIndex returns the named unique index, type-asserted to
// [K, V, S]. The bool is false both when the name is unknown and when it
// names an index of a different secondary-key type.
func GetUniqueIndex[K comparable, V any, S comparable](e *Engine[K, V], name string) (*index.UniqueIndex[K, V, S], bool) {
	m, ok := e.Indexes().Get(name)
	if !ok {
		return nil, false
	}
	idx, ok := m.(*index.UniqueIndex[K, V, S])
	return idx, ok
}

func GetNonUniqueIndex[K comparable, V any, S comparable](e *Engine[K, V], name string) (*index.NonUniqueIndex[K, V, S], bool) {
	m, ok := e.Indexes().Get(name)
	if !ok {
		return nil, false
	}
	idx, ok := m.(*index.NonUniqueIndex[K, V, S])
	return idx, ok
}

func GetNonUniqueMultiIndex[K comparable, V any, S comparable](e *Engine[K, V], name string) (*index.NonUniqueMultiIndex[K, V, S], bool) {
	m, ok := e.Indexes().Get(name)
	if !ok {
		return nil, false
	}
	idx, ok := m.(*index.NonUniqueMultiIndex[K, V, S])
	return idx, ok
}

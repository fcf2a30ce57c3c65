package trackedview

import "testing"

// countView is a minimal TrackedView counting present entries, used to
// exercise the registry without pulling in the store package.
type countView struct {
	count int
}

func (v *countView) Clear() { v.count = 0 }

func (v *countView) TrackModification(_ int, oldPresent bool, _ int, newPresent bool) error {
	switch {
	case !oldPresent && newPresent:
		v.count++
	case oldPresent && !newPresent:
		v.count--
	}
	return nil
}

func (v *countView) Clone() TrackedView[int] {
	c := *v
	return &c
}

func TestRegistrySeedsOnRegister(t *testing.T) {
	r := NewRegistry[string, int]()
	view := &countView{}
	err := r.Register("count", view, func(fn func(string, int)) {
		fn("a", 1)
		fn("b", 2)
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if view.count != 2 {
		t.Fatalf("expected seeded count 2, got %d", view.count)
	}
}

func TestRegistryApplyCommit(t *testing.T) {
	r := NewRegistry[string, int]()
	view := &countView{}
	if err := r.Register("count", view, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	err := r.ApplyCommit([]Diff[int]{
		{NewValue: 5, NewPresent: true},
		{OldValue: 5, OldPresent: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.count != 0 {
		t.Fatalf("expected count back to 0 after insert+delete, got %d", view.count)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := NewRegistry[string, int]()
	view := &countView{}
	if err := r.Register("count", view, func(fn func(string, int)) { fn("a", 1) }); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	snap := r.Snapshot()
	_ = r.ApplyCommit([]Diff[int]{{NewValue: 1, NewPresent: true}})

	snapped := snap["count"].(*countView)
	if snapped.count != 1 {
		t.Fatalf("snapshot should be frozen at 1, got %d", snapped.count)
	}
	live, _ := r.Get("count")
	if live.(*countView).count != 2 {
		t.Fatalf("live view should reflect the later commit, got %d", live.(*countView).count)
	}
}

package index

import "testing"

type person struct {
	id    string
	email string
}

func TestUniqueIndexApplyAndGet(t *testing.T) {
	idx := NewUnique[string, person, string]("by-email", func(p person) string { return p.email })

	changes := map[string]OverlayEntry[person]{
		"p1": {CurValue: person{id: "p1", email: "a@example.com"}, CurPresent: true, Updated: true},
	}
	if err := idx.CheckCommit(changes); err != nil {
		t.Fatalf("unexpected violation on first claim: %v", err)
	}
	idx.ApplyCommit(changes)

	if k, ok := idx.Get("a@example.com"); !ok || k != "p1" {
		t.Fatalf("expected p1 for a@example.com, got %v %v", k, ok)
	}
}

func TestUniqueIndexRejectsCollision(t *testing.T) {
	idx := NewUnique[string, person, string]("by-email", func(p person) string { return p.email })
	idx.ApplyCommit(map[string]OverlayEntry[person]{
		"p1": {CurValue: person{id: "p1", email: "a@example.com"}, CurPresent: true, Updated: true},
	})

	changes := map[string]OverlayEntry[person]{
		"p2": {CurValue: person{id: "p2", email: "a@example.com"}, CurPresent: true, Updated: true},
	}
	if err := idx.CheckCommit(changes); err == nil {
		t.Fatalf("expected a violation when p2 claims an email already owned by p1")
	}
}

func TestUniqueIndexAllowsReclaimWithinSameCommit(t *testing.T) {
	idx := NewUnique[string, person, string]("by-email", func(p person) string { return p.email })
	idx.ApplyCommit(map[string]OverlayEntry[person]{
		"p1": {CurValue: person{id: "p1", email: "a@example.com"}, CurPresent: true, Updated: true},
	})

	changes := map[string]OverlayEntry[person]{
		"p1": {OrigValue: person{id: "p1", email: "a@example.com"}, OrigPresent: true, CurPresent: false, Updated: true},
		"p2": {CurValue: person{id: "p2", email: "a@example.com"}, CurPresent: true, Updated: true},
	}
	if err := idx.CheckCommit(changes); err != nil {
		t.Fatalf("p2 should be able to claim an email p1 is giving up in the same commit: %v", err)
	}
}

func TestNonUniqueIndexGroupsByValue(t *testing.T) {
	idx := NewNonUnique[string, person, string]("by-domain", func(p person) string {
		return p.email[len("a@"):]
	})
	idx.ApplyCommit(map[string]OverlayEntry[person]{
		"p1": {CurValue: person{id: "p1", email: "a@example.com"}, CurPresent: true, Updated: true},
		"p2": {CurValue: person{id: "p2", email: "b@example.com"}, CurPresent: true, Updated: true},
	})
	got := idx.GetAll("example.com")
	if len(got) != 2 {
		t.Fatalf("expected both keys under example.com, got %v", got)
	}
}

func TestNonUniqueMultiIndexTracksSets(t *testing.T) {
	idx := NewNonUniqueMulti[string, []string, string]("by-tag", func(tags []string) []string { return tags })
	idx.ApplyCommit(map[string]OverlayEntry[[]string]{
		"doc1": {CurValue: []string{"go", "db"}, CurPresent: true, Updated: true},
	})
	if got := idx.GetAll("go"); len(got) != 1 || got[0] != "doc1" {
		t.Fatalf("expected doc1 under tag go, got %v", got)
	}

	idx.ApplyCommit(map[string]OverlayEntry[[]string]{
		"doc1": {CurValue: []string{"db"}, CurPresent: true, Updated: true},
	})
	if got := idx.GetAll("go"); len(got) != 0 {
		t.Fatalf("expected doc1 removed from tag go after retag, got %v", got)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry[string, person]()
	if _, err := CreateUniqueIndex[string, person, string](r, "by-email", func(p person) string { return p.email }); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if _, err := CreateUniqueIndex[string, person, string](r, "by-email", func(p person) string { return p.email }); err == nil {
		t.Fatalf("second registration under the same name should fail")
	}
}

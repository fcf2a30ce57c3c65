package container

import (
	"context"
	"testing"

	"github.com/jwiemer/jacis-go/errs"
	"github.com/jwiemer/jacis-go/store"
)

func newTestStore(t *testing.T, c *Container, name string) *store.Engine[string, int] {
	t.Helper()
	s, err := CreateStore[string, int](c, name, nil)
	if err != nil {
		t.Fatalf("create store %s: %v", name, err)
	}
	return s
}

// TestDirtyReadPrevention is scenario S1: an in-flight transaction's write
// must not be visible to a concurrent transaction until commit.
func TestDirtyReadPrevention(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "s1")

	ctx := context.Background()
	initCtx, _, err := c.BeginLocalTransaction(ctx, "init")
	if err != nil {
		t.Fatalf("begin init: %v", err)
	}
	if err := s.Update(initCtx, "a", 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := c.Prepare(initCtx); err != nil {
		t.Fatalf("prepare init: %v", err)
	}
	if err := c.Commit(initCtx); err != nil {
		t.Fatalf("commit init: %v", err)
	}

	t1Ctx, _, err := c.BeginLocalTransaction(ctx, "t1")
	if err != nil {
		t.Fatalf("begin t1: %v", err)
	}
	if err := s.Update(t1Ctx, "a", 2); err != nil {
		t.Fatalf("t1 update: %v", err)
	}

	t2Ctx, _, err := c.BeginLocalTransaction(ctx, "t2")
	if err != nil {
		t.Fatalf("begin t2: %v", err)
	}
	v, _, err := s.Get(t2Ctx, "a")
	if err != nil {
		t.Fatalf("t2 get: %v", err)
	}
	if v != 1 {
		t.Fatalf("t2 should not see t1's uncommitted write, got %d", v)
	}
	c.Rollback(t2Ctx, nil)

	if err := c.Prepare(t1Ctx); err != nil {
		t.Fatalf("prepare t1: %v", err)
	}
	if err := c.Commit(t1Ctx); err != nil {
		t.Fatalf("commit t1: %v", err)
	}

	t3Ctx, _, err := c.BeginLocalTransaction(ctx, "t3")
	if err != nil {
		t.Fatalf("begin t3: %v", err)
	}
	v, _, err = s.Get(t3Ctx, "a")
	if err != nil {
		t.Fatalf("t3 get: %v", err)
	}
	if v != 2 {
		t.Fatalf("t3 should see t1's committed write, got %d", v)
	}
	c.Rollback(t3Ctx, nil)
}

// TestRepeatableRead is scenario S2: repeated reads of the same key inside
// one transaction return the same value even if another transaction commits
// a newer one in between.
func TestRepeatableRead(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "s2")
	ctx := context.Background()

	initCtx, _, _ := c.BeginLocalTransaction(ctx, "init")
	_ = s.Update(initCtx, "a", 1)
	mustCommit(t, c, initCtx)

	t1Ctx, _, _ := c.BeginLocalTransaction(ctx, "t1")
	v, _, _ := s.Get(t1Ctx, "a")
	if v != 1 {
		t.Fatalf("t1 first read expected 1, got %d", v)
	}

	t2Ctx, _, _ := c.BeginLocalTransaction(ctx, "t2")
	_ = s.Update(t2Ctx, "a", 2)
	mustCommit(t, c, t2Ctx)

	v, _, _ = s.Get(t1Ctx, "a")
	if v != 1 {
		t.Fatalf("t1 second read should still see 1, got %d", v)
	}
	mustCommit(t, c, t1Ctx)

	t3Ctx, _, _ := c.BeginLocalTransaction(ctx, "t3")
	v, _, _ = s.Get(t3Ctx, "a")
	if v != 2 {
		t.Fatalf("t3 should see 2 after t1 and t2 both committed, got %d", v)
	}
	c.Rollback(t3Ctx, nil)
}

// TestStaleObjectOnWriteWrite is scenario S3: two transactions writing the
// same key race, the loser gets StaleObject, and WithLocalTxAndRetry
// recovers.
func TestStaleObjectOnWriteWrite(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "s3")
	ctx := context.Background()

	initCtx, _, _ := c.BeginLocalTransaction(ctx, "init")
	_ = s.Update(initCtx, "a", 1)
	mustCommit(t, c, initCtx)

	t1Ctx, _, _ := c.BeginLocalTransaction(ctx, "t1")
	_ = s.Update(t1Ctx, "a", 11)

	t2Ctx, _, _ := c.BeginLocalTransaction(ctx, "t2")
	_ = s.Update(t2Ctx, "a", 21)
	mustCommit(t, c, t2Ctx)

	if err := c.Prepare(t1Ctx); !errs.OfKind(err, errs.StaleObject) {
		t.Fatalf("expected StaleObject committing over a concurrently-changed key, got %v", err)
	}
	c.Rollback(t1Ctx, nil)

	attempts := 0
	err := c.WithLocalTxAndRetry(ctx, "t1-retry", 3, func(ctx context.Context) error {
		attempts++
		v, _, err := s.Get(ctx, "a")
		if err != nil {
			return err
		}
		return s.Update(ctx, "a", v+100)
	})
	if err != nil {
		t.Fatalf("retry should eventually succeed: %v", err)
	}

	finalCtx, _, _ := c.BeginLocalTransaction(ctx, "final")
	v, _, _ := s.Get(finalCtx, "a")
	if v != 121 {
		t.Fatalf("expected retry to compute over the post-t2 value 21, got %d", v)
	}
	c.Rollback(finalCtx, nil)
}

// TestReadOnlyOptimisticLock is scenario S6: a LockReadOnly read must be
// revalidated at prepare even though the transaction performed no write.
func TestReadOnlyOptimisticLock(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "s6")
	ctx := context.Background()

	initCtx, _, _ := c.BeginLocalTransaction(ctx, "init")
	_ = s.Update(initCtx, "a", 1)
	mustCommit(t, c, initCtx)

	t1Ctx, _, _ := c.BeginLocalTransaction(ctx, "t1")
	if _, _, err := s.LockReadOnly(t1Ctx, "a"); err != nil {
		t.Fatalf("lock read only: %v", err)
	}

	t2Ctx, _, _ := c.BeginLocalTransaction(ctx, "t2")
	_ = s.Update(t2Ctx, "a", 2)
	mustCommit(t, c, t2Ctx)

	if err := c.Prepare(t1Ctx); !errs.OfKind(err, errs.StaleObject) {
		t.Fatalf("expected StaleObject for a lock-read-only key changed underneath it, got %v", err)
	}
	c.Rollback(t1Ctx, nil)
}

func TestBeginLocalTransactionRejectsReentry(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	txCtx, _, err := c.BeginLocalTransaction(ctx, "outer")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := c.BeginLocalTransaction(txCtx, "inner"); !errs.OfKind(err, errs.TxAlreadyStarted) {
		t.Fatalf("expected TxAlreadyStarted beginning a tx on a context that already carries one, got %v", err)
	}
	c.Rollback(txCtx, nil)
}

func TestWithLocalTxCommitsOnSuccess(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "withtx")
	ctx := context.Background()

	err := c.WithLocalTx(ctx, "write-a", func(ctx context.Context) error {
		return s.Update(ctx, "a", 42)
	})
	if err != nil {
		t.Fatalf("WithLocalTx: %v", err)
	}

	readCtx, _, _ := c.BeginLocalTransaction(ctx, "read")
	v, ok, _ := s.Get(readCtx, "a")
	if !ok || v != 42 {
		t.Fatalf("expected a=42 after WithLocalTx commit, got %d present=%v", v, ok)
	}
	c.Rollback(readCtx, nil)
}

func TestWithLocalTxRollsBackOnError(t *testing.T) {
	c := New(nil)
	s := newTestStore(t, c, "withtx-rollback")
	ctx := context.Background()

	boom := errs.New(errs.Internal, "boom")
	err := c.WithLocalTx(ctx, "fails", func(ctx context.Context) error {
		_ = s.Update(ctx, "a", 99)
		return boom
	})
	if err != boom {
		t.Fatalf("expected the callback's own error to surface, got %v", err)
	}

	readCtx, _, _ := c.BeginLocalTransaction(ctx, "read")
	_, ok, _ := s.Get(readCtx, "a")
	if ok {
		t.Fatalf("a rolled-back write must not be committed")
	}
	c.Rollback(readCtx, nil)
}

func mustCommit(t *testing.T, c *Container, ctx context.Context) {
	t.Helper()
	if err := c.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

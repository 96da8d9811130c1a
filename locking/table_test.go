package locking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shapesync/core"
	"shapesync/retry"
	"shapesync/stores/memory"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond}
}

// countingStore counts Update calls and can fail the first n of them.
type countingStore struct {
	core.ShapeRepository
	updates   atomic.Int32
	failFirst int32
	failWith  error
}

func (s *countingStore) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	n := s.updates.Add(1)
	if n <= s.failFirst {
		return s.failWith
	}
	return s.ShapeRepository.Update(ctx, id, attrs, opts...)
}

func seed(t *testing.T, repo core.ShapeRepository, lockedBy string) string {
	t.Helper()
	shape := &core.Shape{Type: core.TypeRectangle, Name: "Rectangle 1", Width: 100, Height: 100, LockedBy: lockedBy, LockedByName: lockedBy}
	if err := repo.Create(context.Background(), shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return shape.ID
}

func viewOf(repo core.ShapeRepository) View {
	return func(id string) (*core.Shape, bool) {
		shapes, _ := repo.List(context.Background())
		for _, s := range shapes {
			if s.ID == id {
				return s, true
			}
		}
		return nil, false
	}
}

func lockedBy(t *testing.T, repo core.ShapeRepository, id string) string {
	t.Helper()
	s, ok := viewOf(repo)(id)
	if !ok {
		t.Fatalf("shape %s missing", id)
	}
	return s.LockedBy
}

func TestAcquire_RefusesLockedByOtherWithoutWriting(t *testing.T) {
	store := &countingStore{ShapeRepository: memory.NewShapeStore()}
	id := seed(t, store, "bob")
	table := NewTable(store, fastPolicy(), viewOf(store))

	err := table.Acquire(context.Background(), id, "alice", "Alice")
	var lc *core.LockConflictError
	if !errors.As(err, &lc) {
		t.Fatalf("Acquire() error = %v, want LockConflictError", err)
	}
	if lc.OwnerID != "bob" {
		t.Errorf("OwnerID = %s, want bob", lc.OwnerID)
	}
	if n := store.updates.Load(); n != 0 {
		t.Errorf("store saw %d writes, want 0", n)
	}
	if got := lockedBy(t, store, id); got != "bob" {
		t.Errorf("lockedBy = %s, want bob", got)
	}
}

func TestAcquire_StaleViewStillRefusedByStore(t *testing.T) {
	store := memory.NewShapeStore()
	id := seed(t, store, "bob")
	// the view has not seen bob's lock yet
	stale := func(string) (*core.Shape, bool) { return nil, false }
	table := NewTable(store, fastPolicy(), stale)

	if err := table.Acquire(context.Background(), id, "alice", "Alice"); !errors.Is(err, core.ErrLockConflict) {
		t.Fatalf("Acquire() error = %v, want conflict", err)
	}
	if got := lockedBy(t, store, id); got != "bob" {
		t.Errorf("lockedBy = %s, want bob", got)
	}
}

func TestAcquire_Succeeds(t *testing.T) {
	store := memory.NewShapeStore()
	id := seed(t, store, "")
	table := NewTable(store, fastPolicy(), viewOf(store))

	if err := table.Acquire(context.Background(), id, "alice", "Alice"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	s, _ := viewOf(store)(id)
	if !s.IsLocked || s.LockedBy != "alice" || s.LockedByName != "Alice" {
		t.Errorf("shape after Acquire() = %+v", s)
	}
}

func TestAcquire_RetriesTransient(t *testing.T) {
	store := &countingStore{ShapeRepository: memory.NewShapeStore(), failFirst: 2, failWith: core.Transient("update", errors.New("blip"))}
	id := seed(t, store, "")
	table := NewTable(store, fastPolicy(), viewOf(store))

	if err := table.Acquire(context.Background(), id, "alice", "Alice"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if n := store.updates.Load(); n != 3 {
		t.Errorf("store saw %d writes, want 3", n)
	}
}

func TestAcquire_GivesUpAfterRetries(t *testing.T) {
	store := &countingStore{ShapeRepository: memory.NewShapeStore(), failFirst: 10, failWith: core.Transient("update", errors.New("down"))}
	id := seed(t, store, "")
	table := NewTable(store, fastPolicy(), viewOf(store))

	if err := table.Acquire(context.Background(), id, "alice", "Alice"); !core.IsTransient(err) {
		t.Fatalf("Acquire() error = %v, want transient", err)
	}
	if n := store.updates.Load(); n != 3 {
		t.Errorf("store saw %d writes, want 3", n)
	}
}

func TestRelease(t *testing.T) {
	store := memory.NewShapeStore()
	id := seed(t, store, "alice")
	table := NewTable(store, fastPolicy(), viewOf(store))

	if err := table.Release(context.Background(), id, "alice"); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if got := lockedBy(t, store, id); got != "" {
		t.Errorf("lockedBy = %s, want empty", got)
	}
}

func TestRelease_MissingShapeIsNoop(t *testing.T) {
	table := NewTable(memory.NewShapeStore(), fastPolicy(), nil)
	if err := table.Release(context.Background(), "gone", "alice"); err != nil {
		t.Errorf("Release() error = %v, want nil", err)
	}
}

func TestRelease_OtherUsersLockIsKept(t *testing.T) {
	store := memory.NewShapeStore()
	id := seed(t, store, "bob")
	table := NewTable(store, fastPolicy(), nil)

	if err := table.Release(context.Background(), id, "alice"); !errors.Is(err, core.ErrLockConflict) {
		t.Errorf("Release() error = %v, want conflict", err)
	}
	if got := lockedBy(t, store, id); got != "bob" {
		t.Errorf("lockedBy = %s, want bob", got)
	}
}

func TestAcquireBatch_PartialSuccess(t *testing.T) {
	store := memory.NewShapeStore()
	free1 := seed(t, store, "")
	free2 := seed(t, store, "")
	taken := seed(t, store, "bob")
	table := NewTable(store, fastPolicy(), viewOf(store))

	err := table.AcquireBatch(context.Background(), []string{free1, taken, free2}, "alice", "Alice")
	var be *core.BatchError
	if !errors.As(err, &be) {
		t.Fatalf("AcquireBatch() error = %v, want BatchError", err)
	}
	if failed := be.Failed(); len(failed) != 1 || failed[0] != taken {
		t.Errorf("Failed() = %v, want [%s]", failed, taken)
	}
	if lockedBy(t, store, free1) != "alice" || lockedBy(t, store, free2) != "alice" {
		t.Error("free shapes were not locked")
	}
	if lockedBy(t, store, taken) != "bob" {
		t.Error("bob's shape changed owner")
	}
}

func TestReleaseBatch(t *testing.T) {
	store := memory.NewShapeStore()
	a := seed(t, store, "alice")
	b := seed(t, store, "alice")
	table := NewTable(store, fastPolicy(), viewOf(store))

	if err := table.ReleaseBatch(context.Background(), []string{a, b, "gone"}, "alice"); err != nil {
		t.Fatalf("ReleaseBatch() failed: %v", err)
	}
	if lockedBy(t, store, a) != "" || lockedBy(t, store, b) != "" {
		t.Error("locks still held after ReleaseBatch()")
	}
	if err := table.ReleaseBatch(context.Background(), nil, "alice"); err != nil {
		t.Errorf("empty ReleaseBatch() error = %v", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	store := memory.NewShapeStore()
	id := seed(t, store, "")
	table := NewTable(store, fastPolicy(), viewOf(store))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := table.Acquire(context.Background(), id, u, u); err == nil {
				wins.Add(1)
			}
		}(user)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d users acquired the lock, want 1", wins.Load())
	}
}

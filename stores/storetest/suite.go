// Package storetest holds the behaviour every core.ShapeRepository must
// share. Backend tests call Run with a constructor for a fresh store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"shapesync/core"
)

func Rect(name string, z int) *core.Shape {
	return &core.Shape{
		Type:    core.TypeRectangle,
		Name:    name,
		ZIndex:  z,
		X:       10,
		Y:       20,
		Width:   100,
		Height:  50,
		Opacity: 1,
	}
}

// Run executes the shared repository suite.
func Run(t *testing.T, newStore func(t *testing.T) core.ShapeRepository) {
	t.Run("CreateAndList", func(t *testing.T) { testCreateAndList(t, newStore(t)) })
	t.Run("CreateBatch", func(t *testing.T) { testCreateBatch(t, newStore(t)) })
	t.Run("UpdateMergesAttrs", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("LockPrecondition", func(t *testing.T) { testLockPrecondition(t, newStore(t)) })
	t.Run("DeleteRespectsLocks", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteBatch", func(t *testing.T) { testDeleteBatch(t, newStore(t)) })
	t.Run("Reorder", func(t *testing.T) { testReorder(t, newStore(t)) })
	t.Run("ReleaseLocksHeldBy", func(t *testing.T) { testReleaseLocks(t, newStore(t)) })
	t.Run("ConcurrentLockRace", func(t *testing.T) { testConcurrentLockRace(t, newStore(t)) })
}

func mustCreate(t *testing.T, store core.ShapeRepository, shape *core.Shape) string {
	t.Helper()
	if err := store.Create(context.Background(), shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if shape.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	return shape.ID
}

func find(t *testing.T, store core.ShapeRepository, id string) *core.Shape {
	t.Helper()
	shapes, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	for _, s := range shapes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func testCreateAndList(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	second := mustCreate(t, store, Rect("Rectangle 2", 1))
	first := mustCreate(t, store, Rect("Rectangle 1", 0))

	shapes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(shapes) != 2 {
		t.Fatalf("List() returned %d shapes, want 2", len(shapes))
	}
	if shapes[0].ID != first || shapes[1].ID != second {
		t.Errorf("List() order = [%s %s], want zIndex order [%s %s]", shapes[0].ID, shapes[1].ID, first, second)
	}
	if shapes[0].Name != "Rectangle 1" || shapes[0].Width != 100 || shapes[0].CreatedAt == 0 {
		t.Errorf("List() shape = %+v", shapes[0])
	}
}

func testCreateBatch(t *testing.T, store core.ShapeRepository) {
	batch := []*core.Shape{Rect("Rectangle 1", 0), Rect("Rectangle 2", 1), Rect("Rectangle 3", 2)}
	if err := store.CreateBatch(context.Background(), batch); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	for _, s := range batch {
		if find(t, store, s.ID) == nil {
			t.Errorf("shape %s missing after CreateBatch()", s.ID)
		}
	}
}

func testUpdate(t *testing.T, store core.ShapeRepository) {
	id := mustCreate(t, store, Rect("Rectangle 1", 0))
	if err := store.Update(context.Background(), id, core.Attrs{core.FieldX: 42.5, core.FieldFill: "#ff0000"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got := find(t, store, id)
	if got.X != 42.5 || got.Fill != "#ff0000" || got.Y != 20 || got.Width != 100 {
		t.Errorf("Update() result = %+v", got)
	}
}

func testUpdateNotFound(t *testing.T, store core.ShapeRepository) {
	err := store.Update(context.Background(), "missing", core.Attrs{core.FieldX: 1.0})
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update() error = %v, want not found", err)
	}
}

func testLockPrecondition(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	id := mustCreate(t, store, Rect("Rectangle 1", 0))

	if err := store.Update(ctx, id, core.LockAttrs("bob", "Bob"), core.RequireLockable("bob")); err != nil {
		t.Fatalf("lock by bob failed: %v", err)
	}
	err := store.Update(ctx, id, core.LockAttrs("alice", "Alice"), core.RequireLockable("alice"))
	if !errors.Is(err, core.ErrLockConflict) {
		t.Fatalf("lock by alice error = %v, want conflict", err)
	}
	got := find(t, store, id)
	if got.LockedBy != "bob" || got.LockedByName != "Bob" || !got.IsLocked {
		t.Errorf("refused lock mutated the shape: %+v", got)
	}

	// re-acquire by the owner is allowed
	if err := store.Update(ctx, id, core.LockAttrs("bob", "Bob"), core.RequireLockable("bob")); err != nil {
		t.Errorf("re-lock by owner failed: %v", err)
	}
	if err := store.Update(ctx, id, core.UnlockAttrs(), core.RequireLockable("bob")); err != nil {
		t.Fatalf("unlock by owner failed: %v", err)
	}
	got = find(t, store, id)
	if got.IsLocked || got.LockedBy != "" {
		t.Errorf("unlock left %+v", got)
	}
}

func testDelete(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	id := mustCreate(t, store, Rect("Rectangle 1", 0))
	if err := store.Update(ctx, id, core.LockAttrs("bob", "Bob")); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	if err := store.Delete(ctx, id, core.RequireLockable("alice")); !errors.Is(err, core.ErrLockConflict) {
		t.Fatalf("Delete() by non owner error = %v, want conflict", err)
	}
	if err := store.Delete(ctx, id, core.RequireLockable("bob")); err != nil {
		t.Fatalf("Delete() by owner failed: %v", err)
	}
	if find(t, store, id) != nil {
		t.Error("shape still listed after Delete()")
	}
	if err := store.Delete(ctx, id); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}
}

func testDeleteBatch(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	a := mustCreate(t, store, Rect("Rectangle 1", 0))
	b := mustCreate(t, store, Rect("Rectangle 2", 1))
	c := mustCreate(t, store, Rect("Rectangle 3", 2))

	if err := store.DeleteBatch(ctx, []string{a, b}); err != nil {
		t.Fatalf("DeleteBatch() failed: %v", err)
	}
	shapes, _ := store.List(ctx)
	if len(shapes) != 1 || shapes[0].ID != c {
		t.Errorf("List() after DeleteBatch() = %d shapes", len(shapes))
	}
}

func testReorder(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	a := mustCreate(t, store, Rect("Rectangle 1", 0))
	b := mustCreate(t, store, Rect("Rectangle 2", 1))
	c := mustCreate(t, store, Rect("Rectangle 3", 2))

	if err := store.Reorder(ctx, map[string]int{c: 0, a: 1, b: 2}); err != nil {
		t.Fatalf("Reorder() failed: %v", err)
	}
	shapes, _ := store.List(ctx)
	got := fmt.Sprintf("%s,%s,%s", shapes[0].ID, shapes[1].ID, shapes[2].ID)
	want := fmt.Sprintf("%s,%s,%s", c, a, b)
	if got != want {
		t.Errorf("List() after Reorder() = %s, want %s", got, want)
	}
}

func testReleaseLocks(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	a := mustCreate(t, store, Rect("Rectangle 1", 0))
	b := mustCreate(t, store, Rect("Rectangle 2", 1))
	c := mustCreate(t, store, Rect("Rectangle 3", 2))
	for id, owner := range map[string]string{a: "bob", b: "bob", c: "carol"} {
		if err := store.Update(ctx, id, core.LockAttrs(owner, owner)); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}

	n, err := store.ReleaseLocksHeldBy(ctx, "bob")
	if err != nil {
		t.Fatalf("ReleaseLocksHeldBy() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ReleaseLocksHeldBy() released %d, want 2", n)
	}
	if s := find(t, store, a); s.IsLocked {
		t.Errorf("shape %s still locked", a)
	}
	if s := find(t, store, c); s.LockedBy != "carol" {
		t.Errorf("carol's lock was released: %+v", s)
	}
}

func testConcurrentLockRace(t *testing.T, store core.ShapeRepository) {
	ctx := context.Background()
	id := mustCreate(t, store, Rect("Rectangle 1", 0))

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			err := store.Update(ctx, id, core.LockAttrs(user, user), core.RequireLockable(user))
			if err == nil {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
			} else if !errors.Is(err, core.ErrLockConflict) {
				t.Errorf("lock by %s failed unexpectedly: %v", user, err)
			}
		}(u)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d users acquired the lock, want exactly 1: %v", len(winners), winners)
	}
	if got := find(t, store, id); got.LockedBy != winners[0] {
		t.Errorf("stored owner = %s, want %s", got.LockedBy, winners[0])
	}
}

package memory

import (
	"context"
	"testing"

	"shapesync/core"
	"shapesync/stores/storetest"
)

func TestNewShapeStore(t *testing.T) {
	store := NewShapeStore()
	if store == nil {
		t.Fatal("NewShapeStore() returned nil")
	}
}

func TestShapeStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.ShapeRepository {
		return NewShapeStore()
	})
}

func TestList_ReturnsCopies(t *testing.T) {
	store := NewShapeStore()
	ctx := context.Background()

	shape := storetest.Rect("Rectangle 1", 0)
	if err := store.Create(ctx, shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	shapes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	shapes[0].X = 999

	again, _ := store.List(ctx)
	if again[0].X == 999 {
		t.Error("List() exposed the stored shape to mutation")
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	store := NewShapeStore()
	ctx := context.Background()

	shape := storetest.Rect("Rectangle 1", 0)
	shape.ID = "fixed"
	if err := store.Create(ctx, shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	dup := storetest.Rect("Rectangle 2", 1)
	dup.ID = "fixed"
	if err := store.Create(ctx, dup); err == nil {
		t.Error("Create() should reject a duplicate id")
	}
}

func TestReleaseLocksHeldBy_EmptyUser(t *testing.T) {
	store := NewShapeStore()
	if _, err := store.ReleaseLocksHeldBy(context.Background(), ""); err == nil {
		t.Error("ReleaseLocksHeldBy() should require a user id")
	}
}

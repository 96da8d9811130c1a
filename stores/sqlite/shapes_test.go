package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"shapesync/core"
	"shapesync/stores/storetest"
)

func newTestStore(t *testing.T) core.ShapeRepository {
	t.Helper()
	store, err := NewShapeStore(filepath.Join(t.TempDir(), "shapes.db"))
	if err != nil {
		t.Fatalf("NewShapeStore() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(store); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return store
}

func TestShapeStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestShapeStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shapes.db")
	ctx := context.Background()

	store, err := NewShapeStore(path)
	if err != nil {
		t.Fatalf("NewShapeStore() failed: %v", err)
	}
	shape := storetest.Rect("Rectangle 1", 4)
	if err := store.Create(ctx, shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := store.Update(ctx, shape.ID, core.LockAttrs("bob", "Bob")); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := Close(store); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewShapeStore(path)
	if err != nil {
		t.Fatalf("NewShapeStore() reopen failed: %v", err)
	}
	defer Close(reopened)

	shapes, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(shapes) != 1 {
		t.Fatalf("List() returned %d shapes, want 1", len(shapes))
	}
	got := shapes[0]
	if got.ID != shape.ID || got.ZIndex != 4 || got.LockedBy != "bob" || got.Name != "Rectangle 1" {
		t.Errorf("reopened shape = %+v", got)
	}
}

func TestClassify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shapes.db")
	ctx := context.Background()
	store, err := NewShapeStore(path)
	if err != nil {
		t.Fatalf("NewShapeStore() failed: %v", err)
	}
	defer Close(store)

	// a second handle holds the write lock
	other, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer other.Close()
	conn, err := other.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("BEGIN IMMEDIATE failed: %v", err)
	}

	err = store.Create(ctx, storetest.Rect("Rectangle 1", 0))
	if !core.IsTransient(err) {
		t.Errorf("Create() while locked = %v, want transient", err)
	}
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		t.Fatalf("ROLLBACK failed: %v", err)
	}

	if core.IsTransient(classify("update", errors.New("database is locked"))) {
		t.Error("an error that is not from the driver should not be transient")
	}
	if classify("update", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shapesync/config"
	"shapesync/core"
	"shapesync/stores/memory"
)

type snapshots struct {
	mu  sync.Mutex
	got [][]*core.Shape
	ch  chan struct{}
}

func newSnapshots() *snapshots {
	return &snapshots{ch: make(chan struct{}, 64)}
}

func (s *snapshots) record(shapes []*core.Shape) {
	s.mu.Lock()
	s.got = append(s.got, shapes)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

// waitFor blocks until a snapshot satisfying ok arrives.
func (s *snapshots) waitFor(t *testing.T, ok func([]*core.Shape) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if n := len(s.got); n > 0 && ok(s.got[n-1]) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-s.ch:
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestLive_DeliversInitialAndChangedSnapshots(t *testing.T) {
	live := NewLive(memory.NewShapeStore())
	defer live.Close()
	ctx := context.Background()

	seed := &core.Shape{Type: core.TypeRectangle, Name: "Rectangle 1", Width: 10, Height: 10}
	if err := live.Create(ctx, seed); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	snaps := newSnapshots()
	unsubscribe := live.Subscribe(snaps.record)
	defer unsubscribe()
	snaps.waitFor(t, func(s []*core.Shape) bool { return len(s) == 1 })

	if err := live.Update(ctx, seed.ID, core.Attrs{core.FieldX: 50.0}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	snaps.waitFor(t, func(s []*core.Shape) bool { return len(s) == 1 && s[0].X == 50 })

	if err := live.Delete(ctx, seed.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	snaps.waitFor(t, func(s []*core.Shape) bool { return len(s) == 0 })
}

func TestLive_FailedWriteDoesNotNotify(t *testing.T) {
	live := NewLive(memory.NewShapeStore())
	defer live.Close()

	snaps := newSnapshots()
	defer live.Subscribe(snaps.record)()
	snaps.waitFor(t, func(s []*core.Shape) bool { return len(s) == 0 })

	err := live.Update(context.Background(), "missing", core.Attrs{core.FieldX: 1.0})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Update() error = %v, want not found", err)
	}
	time.Sleep(20 * time.Millisecond)
	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	if len(snaps.got) != 1 {
		t.Errorf("got %d snapshots, want only the initial one", len(snaps.got))
	}
}

func TestLive_UnsubscribeStopsDelivery(t *testing.T) {
	live := NewLive(memory.NewShapeStore())
	defer live.Close()

	snaps := newSnapshots()
	unsubscribe := live.Subscribe(snaps.record)
	snaps.waitFor(t, func(s []*core.Shape) bool { return true })
	unsubscribe()
	unsubscribe()

	shape := &core.Shape{Type: core.TypeRectangle, Width: 10, Height: 10}
	if err := live.Create(context.Background(), shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	for _, s := range snaps.got {
		if len(s) != 0 {
			t.Error("snapshot delivered after unsubscribe")
		}
	}
}

func TestLive_LastSnapshotIsNewest(t *testing.T) {
	live := NewLive(memory.NewShapeStore())
	defer live.Close()
	ctx := context.Background()

	shape := &core.Shape{Type: core.TypeRectangle, Width: 10, Height: 10}
	if err := live.Create(ctx, shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	snaps := newSnapshots()
	defer live.Subscribe(snaps.record)()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(x float64) {
			defer wg.Done()
			_ = live.Update(ctx, shape.ID, core.Attrs{core.FieldX: x})
		}(float64(i))
	}
	wg.Wait()

	stored, _ := live.List(ctx)
	want := stored[0].X
	snaps.waitFor(t, func(s []*core.Shape) bool { return len(s) == 1 && s[0].X == want })
}

func TestGetStore_Backends(t *testing.T) {
	tests := []struct {
		name string
		set  func(cfg *config.Config, dir string)
	}{
		{"memory", func(cfg *config.Config, dir string) { cfg.Storage.Type = "" }},
		{"filesystem", func(cfg *config.Config, dir string) {
			cfg.Storage.Type = "filesystem"
			cfg.Storage.LocalPath = dir
		}},
		{"sqlite", func(cfg *config.Config, dir string) {
			cfg.Storage.Type = "sqlite"
			cfg.Storage.DataSource = filepath.Join(dir, "shapes.db")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			tt.set(cfg, t.TempDir())
			live, closeFn, err := GetStore(context.Background(), cfg)
			if err != nil {
				t.Fatalf("GetStore() failed: %v", err)
			}
			defer closeFn()
			shape := &core.Shape{Type: core.TypeCircle, Radius: 10}
			if err := live.Create(context.Background(), shape); err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
		})
	}
}

func TestGetStore_S3RequiresBucket(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Type = "s3"
	if _, _, err := GetStore(context.Background(), cfg); err == nil {
		t.Error("GetStore() should fail without a bucket")
	}
}

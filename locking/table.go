// Package locking implements advisory per-shape locks on top of the
// canonical store. A lock is just the lockedBy/lockedByName fields of a
// shape; mutual exclusion comes from the store refusing a lock write when a
// different user already holds the shape.
package locking

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shapesync/core"
	"shapesync/retry"
)

// View looks a shape up in the most recent canonical snapshot.
type View func(id string) (*core.Shape, bool)

type Table struct {
	store  core.ShapeRepository
	policy retry.Policy
	view   View
	log    *logrus.Entry
}

func NewTable(store core.ShapeRepository, policy retry.Policy, view View) *Table {
	log := policy.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if view == nil {
		view = func(string) (*core.Shape, bool) { return nil, false }
	}
	return &Table{store: store, policy: policy, view: view, log: log}
}

func conflict(s *core.Shape) error {
	return &core.LockConflictError{ShapeID: s.ID, OwnerID: s.LockedBy, OwnerName: s.LockedByName}
}

// Acquire locks shapeID for userID. It returns once the store acknowledged
// the write. A shape held by someone else is refused without writing.
func (t *Table) Acquire(ctx context.Context, shapeID, userID, userName string) error {
	if s, ok := t.view(shapeID); ok && s.LockedByOther(userID) {
		return conflict(s)
	}
	err := t.policy.Do(ctx, "lock", func(ctx context.Context) error {
		return t.store.Update(ctx, shapeID, core.LockAttrs(userID, userName), core.RequireLockable(userID))
	})
	if err != nil && !errors.Is(err, core.ErrLockConflict) {
		t.log.WithFields(logrus.Fields{"shape_id": shapeID, "error": err}).Warn("Failed to acquire lock")
	}
	return err
}

// Release clears the lock on shapeID. A shape that no longer exists counts
// as released.
func (t *Table) Release(ctx context.Context, shapeID, userID string) error {
	if s, ok := t.view(shapeID); ok && s.LockedByOther(userID) {
		return conflict(s)
	}
	err := t.policy.Do(ctx, "unlock", func(ctx context.Context) error {
		return t.store.Update(ctx, shapeID, core.UnlockAttrs(), core.RequireLockable(userID))
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil && !errors.Is(err, core.ErrLockConflict) {
		t.log.WithFields(logrus.Fields{"shape_id": shapeID, "error": err}).Warn("Failed to release lock")
	}
	return err
}

// AcquireBatch locks every id concurrently. Partial success is kept; the
// returned *core.BatchError lists the ids that failed.
func (t *Table) AcquireBatch(ctx context.Context, shapeIDs []string, userID, userName string) error {
	return t.batch(ctx, "acquire", shapeIDs, func(ctx context.Context, id string) error {
		return t.Acquire(ctx, id, userID, userName)
	})
}

func (t *Table) ReleaseBatch(ctx context.Context, shapeIDs []string, userID string) error {
	return t.batch(ctx, "release", shapeIDs, func(ctx context.Context, id string) error {
		return t.Release(ctx, id, userID)
	})
}

func (t *Table) batch(ctx context.Context, op string, ids []string, fn func(context.Context, string) error) error {
	if len(ids) == 0 {
		return nil
	}
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	// errgroup.Group without WithContext: one failure must not cancel the
	// other writes.
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return core.NewBatchError(op, len(ids), failures)
}

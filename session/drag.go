package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shapesync/core"
	"shapesync/selection"
)

var (
	ErrNoDrag     = errors.New("no drag in progress")
	ErrDragActive = errors.New("drag already in progress")
)

// StartDrag begins moving ids, or the current selection when ids is empty.
// Shapes held by another user are left out. Shapes outside the selection
// are locked for the length of the drag; a shape whose lock cannot be
// acquired is left out as well.
func (s *Session) StartDrag(ctx context.Context, ids []string) error {
	s.mu.Lock()
	if s.drag != nil {
		s.mu.Unlock()
		return ErrDragActive
	}
	if len(ids) == 0 {
		ids = s.sel.IDs()
	}
	var toLock []string
	for _, id := range ids {
		shape, ok := s.byID[id]
		if !ok || shape.LockedByOther(s.userID) {
			continue
		}
		if !s.sel.Has(id) && shape.LockedBy != s.userID {
			toLock = append(toLock, id)
		}
	}
	s.mu.Unlock()

	failed := make(map[string]bool)
	if err := s.locks.AcquireBatch(ctx, toLock, s.userID, s.userName); err != nil {
		var batch *core.BatchError
		if !errors.As(err, &batch) {
			return err
		}
		for id := range batch.Failures {
			failed[id] = true
		}
		s.log.WithField("shape_count", len(failed)).Debug("Left shapes out of drag")
	}
	var locked []string
	for _, id := range toLock {
		if !failed[id] {
			locked = append(locked, id)
		}
	}

	s.mu.Lock()
	if s.drag != nil {
		s.mu.Unlock()
		s.releaseDragLocks(ctx, locked)
		return ErrDragActive
	}
	shapes := make([]*core.Shape, 0, len(ids))
	for _, id := range ids {
		shape, ok := s.byID[id]
		if !ok || failed[id] || shape.LockedByOther(s.userID) {
			continue
		}
		shapes = append(shapes, shape)
	}
	if len(shapes) == 0 {
		s.mu.Unlock()
		s.releaseDragLocks(ctx, locked)
		return ErrNoDrag
	}
	s.drag = selection.StartDrag(shapes)
	s.dragLocks = locked
	s.mu.Unlock()
	s.emit()
	return nil
}

// takeDragLocked ends the drag and returns it with the locks it took.
func (s *Session) takeDragLocked() (*selection.Drag, []string) {
	d, locked := s.drag, s.dragLocks
	s.drag, s.dragLocks = nil, nil
	return d, locked
}

// releaseDragLocks gives back locks taken by StartDrag, except for shapes
// that were selected in the meantime or belong to a newer drag.
func (s *Session) releaseDragLocks(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	keep := make(map[string]bool, len(s.dragLocks))
	for _, id := range s.dragLocks {
		keep[id] = true
	}
	release := make([]string, 0, len(ids))
	for _, id := range ids {
		if !s.sel.Has(id) && !keep[id] {
			release = append(release, id)
		}
	}
	s.mu.Unlock()
	if err := s.locks.ReleaseBatch(ctx, release, s.userID); err != nil {
		s.log.WithError(err).Warn("Failed to release drag locks")
	}
}

// MoveDrag sets the total offset since StartDrag and broadcasts the new
// positions. Broadcast failures are logged only.
func (s *Session) MoveDrag(ctx context.Context, dx, dy float64) error {
	s.mu.Lock()
	if s.drag == nil {
		s.mu.Unlock()
		return ErrNoDrag
	}
	s.drag.Move(dx, dy)
	var records []core.PositionRecord
	if s.throttle != nil {
		for _, id := range s.drag.IDs() {
			shape, ok := s.byID[id]
			if !ok {
				continue
			}
			records = append(records, core.RecordFor(s.drag.Apply(shape), s.userID, s.userName))
		}
	}
	s.mu.Unlock()
	s.emit()

	for _, rec := range records {
		if _, err := s.throttle.Publish(ctx, rec); err != nil {
			s.log.WithFields(logrus.Fields{"shape_id": rec.ShapeID, "error": err}).Debug("Failed to publish position")
		}
	}
	return nil
}

// EndDrag writes the final absolute positions, one update per shape, and
// withdraws the broadcast records. The final positions stay in the overlay
// until the store echoes them. Failures are collected in a
// *core.BatchError.
func (s *Session) EndDrag(ctx context.Context) error {
	s.mu.Lock()
	d, locked := s.takeDragLocked()
	if d == nil {
		s.mu.Unlock()
		return ErrNoDrag
	}
	finals := d.Finals()
	for id, attrs := range finals {
		s.overlay.Set(id, attrs, s.byID[id])
	}
	s.mu.Unlock()
	s.emit()

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for id, attrs := range finals {
		g.Go(func() error {
			err := s.policy.Do(ctx, "move", func(ctx context.Context) error {
				return s.store.Update(ctx, id, attrs, core.RequireLockable(s.userID))
			})
			if err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
				return nil
			}
			s.overlay.Ack(id, attrs)
			return nil
		})
	}
	_ = g.Wait()

	s.clearPositions(ctx, d.IDs())
	s.releaseDragLocks(ctx, locked)

	if err := core.NewBatchError("move", len(finals), failures); err != nil {
		s.log.WithError(err).Warn("Failed to commit drag")
		return err
	}
	s.log.WithField("shape_count", len(finals)).Debug("Drag committed successfully")
	return nil
}

// CancelDrag abandons the drag. No position was written, so only the
// broadcast records are withdrawn and the drag locks given back.
func (s *Session) CancelDrag(ctx context.Context) {
	s.mu.Lock()
	d, locked := s.takeDragLocked()
	s.mu.Unlock()
	if d == nil {
		return
	}
	s.emit()
	s.clearPositions(ctx, d.IDs())
	s.releaseDragLocks(ctx, locked)
}

func (s *Session) clearPositions(ctx context.Context, ids []string) {
	if s.throttle == nil {
		return
	}
	for _, id := range ids {
		if err := s.throttle.Clear(ctx, id); err != nil {
			s.log.WithFields(logrus.Fields{"shape_id": id, "error": err}).Debug("Failed to clear position")
		}
	}
}

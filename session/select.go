package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"shapesync/core"
	"shapesync/selection"
)

// SelectShape handles a click. An empty id deselects everything. Shapes
// locked by another user cannot be selected and are ignored without error.
//
// A plain click takes the new lock before releasing the old ones, so a
// refused lock can fall back to the previous selection with its locks
// still held.
func (s *Session) SelectShape(ctx context.Context, id string, addToSelection bool) error {
	if id == "" {
		return s.deselectAll(ctx)
	}

	s.mu.Lock()
	shape, known := s.byID[id]
	if known && shape.LockedByOther(s.userID) {
		s.mu.Unlock()
		return nil
	}
	prev := s.sel
	heldBySelf := known && shape.LockedBy == s.userID

	switch {
	case addToSelection && prev.Has(id):
		s.sel = prev.Without(id)
		s.gen++
		s.mu.Unlock()
		s.emit()
		return s.logLockErr(s.locks.Release(ctx, id, s.userID), id, "release")

	case addToSelection:
		s.sel = prev.With(id)
		s.gen++
		s.mu.Unlock()
		s.emit()
		if heldBySelf {
			return nil
		}
		if err := s.locks.Acquire(ctx, id, s.userID, s.userName); err != nil {
			s.mu.Lock()
			s.sel = s.sel.Without(id)
			s.gen++
			s.mu.Unlock()
			s.emit()
			return s.logLockErr(err, id, "acquire")
		}
		return nil
	}

	s.sel = selection.NewSet(id)
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.emit()

	if !heldBySelf {
		if err := s.locks.Acquire(ctx, id, s.userID, s.userName); err != nil {
			s.mu.Lock()
			if s.gen == gen {
				s.sel = prev
				s.gen++
			}
			s.mu.Unlock()
			s.emit()
			return s.logLockErr(err, id, "acquire")
		}
	}

	release := prev.Without(id).IDs()
	if err := s.locks.ReleaseBatch(ctx, release, s.userID); err != nil {
		s.log.WithError(err).Warn("Failed to release previous selection")
		return err
	}
	return nil
}

func (s *Session) deselectAll(ctx context.Context) error {
	s.mu.Lock()
	prev := s.sel
	s.sel = selection.NewSet()
	s.gen++
	s.mu.Unlock()
	s.emit()

	if err := s.locks.ReleaseBatch(ctx, prev.IDs(), s.userID); err != nil {
		s.log.WithError(err).Warn("Failed to release selection")
		return err
	}
	return nil
}

// logLockErr swallows lock conflicts, which are an expected outcome of two
// users racing for one shape, and logs everything else.
func (s *Session) logLockErr(err error, id, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrLockConflict) {
		s.log.WithField("shape_id", id).Debug("Lock refused, shape held by another user")
		return nil
	}
	s.log.WithFields(logrus.Fields{"shape_id": id, "op": op, "error": err}).Warn("Lock operation failed")
	return err
}

// SelectMultipleShapes applies a box or lasso selection. Shapes locked by
// others are filtered out, the local selection changes immediately, and
// only the difference to the previous selection is locked and unlocked.
// Lock failures are reported but do not revert the selection; the next
// snapshot drops anything that was lost.
func (s *Session) SelectMultipleShapes(ctx context.Context, ids []string, addToSelection bool) error {
	s.mu.Lock()
	var allowed []string
	for _, id := range ids {
		if shape, ok := s.byID[id]; ok && shape.LockedByOther(s.userID) {
			continue
		}
		allowed = append(allowed, id)
	}
	next := selection.NewSet(allowed...)
	if addToSelection {
		next = s.sel
		for _, id := range allowed {
			next = next.With(id)
		}
	}
	toLock, toUnlock := selection.Diff(s.sel, next)
	s.sel = next
	s.gen++
	s.mu.Unlock()
	s.emit()

	lockErr := s.locks.AcquireBatch(ctx, toLock, s.userID, s.userName)
	unlockErr := s.locks.ReleaseBatch(ctx, toUnlock, s.userID)
	if err := errors.Join(lockErr, unlockErr); err != nil {
		s.log.WithError(err).Warn("Batch selection lock changes failed")
		return err
	}
	return nil
}

package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"shapesync/core"
	"shapesync/naming"
	"shapesync/selection"
)

// AddShape creates shape with a fresh id, the next name for its type and a
// zIndex above every other shape, and returns the id. Unless
// opts.SkipAutoLock is set the new shape is created locked by the caller
// and replaces the current selection.
func (s *Session) AddShape(ctx context.Context, shape *core.Shape, opts AddOptions) (string, error) {
	if shape == nil {
		return "", &core.ValidationError{Field: "shape", Reason: "missing"}
	}
	n := shape.Clone()
	n.ID = core.NewID()
	n.CreatedAt, n.UpdatedAt = 0, 0
	n.CreatedBy = s.userID
	n.IsLocked, n.LockedBy, n.LockedByName = false, "", ""
	n.IsDragging, n.DraggingBy, n.DraggingByName = false, "", ""
	if err := core.ValidateShape(n); err != nil {
		return "", err
	}
	if !opts.SkipAutoLock {
		n.IsLocked, n.LockedBy, n.LockedByName = true, s.userID, s.userName
	}

	s.mu.Lock()
	if n.Name == "" {
		n.Name = s.names.Next(n.Type)
	} else {
		s.names.Observe([]*core.Shape{n})
	}
	n.ZIndex = s.nextZLocked(1)
	prev := s.sel
	var gen uint64
	if !opts.SkipAutoLock {
		s.sel = selection.NewSet(n.ID)
		s.gen++
		gen = s.gen
	}
	s.mu.Unlock()
	if !opts.SkipAutoLock {
		s.emit()
	}

	log := s.log.WithFields(logrus.Fields{"shape_id": n.ID, "name": n.Name})
	err := s.policy.Do(ctx, "create", func(ctx context.Context) error {
		return s.store.Create(ctx, n.Clone())
	})
	if err != nil {
		log.WithError(err).Error("Failed to create shape")
		if !opts.SkipAutoLock {
			s.mu.Lock()
			if s.gen == gen {
				s.sel = prev
				s.gen++
			}
			s.mu.Unlock()
			s.emit()
		}
		return "", err
	}
	log.Debug("Shape created successfully")

	if !opts.SkipAutoLock {
		if err := s.locks.ReleaseBatch(ctx, prev.IDs(), s.userID); err != nil {
			s.log.WithError(err).Warn("Failed to release previous selection")
		}
	}
	return n.ID, nil
}

// UpdateShape shows attrs immediately through the overlay and, unless
// localOnly, writes them to the store. A failed write is returned and the
// overlay keeps the optimistic value. Lock fields cannot be changed here.
func (s *Session) UpdateShape(ctx context.Context, id string, attrs core.Attrs, localOnly bool) error {
	if attrs.TouchesLock() {
		return &core.ValidationError{Field: string(core.FieldLockedBy), Reason: "locks change through selection only"}
	}

	s.mu.Lock()
	current := s.byID[id]
	if current != nil {
		// validate against what the user currently sees
		if pending, ok := s.overlay.Get(id); ok {
			current = current.Apply(pending)
		}
	}
	norm, err := core.ValidateAttrs(current, attrs)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.overlay.Set(id, norm, s.byID[id])
	s.mu.Unlock()
	s.emit()

	if localOnly {
		return nil
	}

	err = s.policy.Do(ctx, "update", func(ctx context.Context) error {
		return s.store.Update(ctx, id, norm, core.RequireLockable(s.userID))
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"shape_id": id, "error": err}).Warn("Failed to update shape")
		return err
	}
	s.overlay.Ack(id, norm)
	return nil
}

func (s *Session) DeleteShape(ctx context.Context, id string) error {
	return s.DeleteShapes(ctx, []string{id})
}

// DeleteShapes deletes ids in one write. The store refuses shapes locked by
// another user; on success the ids leave the selection.
func (s *Session) DeleteShapes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.policy.Do(ctx, "delete", func(ctx context.Context) error {
		if len(ids) == 1 {
			return s.store.Delete(ctx, ids[0], core.RequireLockable(s.userID))
		}
		return s.store.DeleteBatch(ctx, ids, core.RequireLockable(s.userID))
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"shape_count": len(ids), "error": err}).Warn("Failed to delete shapes")
		return err
	}

	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
		s.overlay.Abandon(id)
	}
	s.mu.Lock()
	s.sel = s.sel.Filter(func(id string) bool { return !gone[id] })
	s.gen++
	s.mu.Unlock()
	s.emit()
	return nil
}

// DuplicateShapes copies ids in paint order: "Copy"/"Copy N" names, offset
// geometry, zIndex above everything. The copies are created in one write,
// locked by the caller, and become the selection.
func (s *Session) DuplicateShapes(ctx context.Context, ids []string) ([]string, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	var sources []*core.Shape
	for _, shape := range s.canonical {
		if want[shape.ID] {
			sources = append(sources, shape)
		}
	}
	if len(sources) == 0 {
		s.mu.Unlock()
		return nil, core.NotFound(firstOf(ids))
	}
	taken := naming.NameSet(s.canonical)
	z := s.nextZLocked(len(sources))
	off := s.cfg.DuplicateOffset
	copies := make([]*core.Shape, 0, len(sources))
	newIDs := make([]string, 0, len(sources))
	for i, src := range sources {
		dup := src.Clone()
		dup.ID = core.NewID()
		dup.Name = naming.CopyName(src.Name, func(name string) bool { return taken[name] })
		taken[dup.Name] = true
		dup = dup.Apply(src.Position().Translate(off, off).Attrs())
		dup.ZIndex = z + i
		dup.CreatedAt, dup.UpdatedAt = 0, 0
		dup.CreatedBy = s.userID
		dup.IsLocked, dup.LockedBy, dup.LockedByName = true, s.userID, s.userName
		dup.IsDragging, dup.DraggingBy, dup.DraggingByName = false, "", ""
		copies = append(copies, dup)
		newIDs = append(newIDs, dup.ID)
	}
	prev := s.sel
	s.sel = selection.NewSet(newIDs...)
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.emit()

	err := s.policy.Do(ctx, "duplicate", func(ctx context.Context) error {
		batch := make([]*core.Shape, len(copies))
		for i, c := range copies {
			batch[i] = c.Clone()
		}
		return s.store.CreateBatch(ctx, batch)
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"shape_count": len(copies), "error": err}).Error("Failed to duplicate shapes")
		s.mu.Lock()
		if s.gen == gen {
			s.sel = prev
			s.gen++
		}
		s.mu.Unlock()
		s.emit()
		return nil, err
	}
	s.log.WithField("shape_count", len(copies)).Debug("Shapes duplicated successfully")

	if err := s.locks.ReleaseBatch(ctx, prev.IDs(), s.userID); err != nil {
		s.log.WithError(err).Warn("Failed to release previous selection")
	}
	return newIDs, nil
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// ReorderShapes assigns zIndex 0..n-1 following order, in one write.
func (s *Session) ReorderShapes(ctx context.Context, order []string) error {
	z := make(map[string]int, len(order))
	for i, id := range order {
		if _, dup := z[id]; dup {
			return &core.ValidationError{Field: "order", Reason: "duplicate id " + id}
		}
		z[id] = i
	}
	return s.reorder(ctx, z)
}

// BringToFront moves ids above every other shape, keeping their relative
// order. Other shapes are not renumbered.
func (s *Session) BringToFront(ctx context.Context, ids []string) error {
	s.mu.Lock()
	members := s.inPaintOrderLocked(ids)
	z := make(map[string]int, len(members))
	base := s.nextZLocked(len(members))
	for i, id := range members {
		z[id] = base + i
	}
	s.mu.Unlock()
	return s.reorder(ctx, z)
}

// SendToBack moves ids below every other shape, keeping their relative
// order.
func (s *Session) SendToBack(ctx context.Context, ids []string) error {
	s.mu.Lock()
	members := s.inPaintOrderLocked(ids)
	z := make(map[string]int, len(members))
	base := core.MinZIndex(s.canonical) - len(members)
	for i, id := range members {
		z[id] = base + i
	}
	s.mu.Unlock()
	return s.reorder(ctx, z)
}

func (s *Session) inPaintOrderLocked(ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for _, shape := range s.canonical {
		if want[shape.ID] {
			out = append(out, shape.ID)
		}
	}
	return out
}

func (s *Session) reorder(ctx context.Context, z map[string]int) error {
	if len(z) == 0 {
		return nil
	}
	s.mu.Lock()
	for id, v := range z {
		s.overlay.Set(id, core.Attrs{core.FieldZIndex: v}, s.byID[id])
		if v > s.zHigh {
			s.zHigh = v
		}
	}
	s.mu.Unlock()
	s.emit()

	err := s.policy.Do(ctx, "reorder", func(ctx context.Context) error {
		return s.store.Reorder(ctx, z)
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"shape_count": len(z), "error": err}).Warn("Failed to reorder shapes")
		return err
	}
	for id, v := range z {
		s.overlay.Ack(id, core.Attrs{core.FieldZIndex: v})
	}
	return nil
}

// IsLockConflict reports whether err means a shape was held by someone
// else.
func IsLockConflict(err error) bool {
	return errors.Is(err, core.ErrLockConflict)
}

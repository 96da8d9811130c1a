package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"shapesync/core"
)

type shapeStore struct {
	mu     sync.RWMutex
	shapes map[string]*core.Shape
}

func NewShapeStore() core.ShapeRepository {
	return &shapeStore{
		shapes: make(map[string]*core.Shape),
	}
}

func (s *shapeStore) List(ctx context.Context) ([]*core.Shape, error) {
	s.mu.RLock()
	shapes := make([]*core.Shape, 0, len(s.shapes))
	for _, shape := range s.shapes {
		shapes = append(shapes, shape.Clone())
	}
	s.mu.RUnlock()

	core.SortShapes(shapes)
	return shapes, nil
}

func (s *shapeStore) Create(ctx context.Context, shape *core.Shape) error {
	return s.CreateBatch(ctx, []*core.Shape{shape})
}

func (s *shapeStore) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, shape := range shapes {
		if shape.ID != "" {
			if _, exists := s.shapes[shape.ID]; exists {
				return fmt.Errorf("shape with id %s already exists", shape.ID)
			}
		}
	}
	for _, shape := range shapes {
		stored := shape.Clone()
		core.PrepareCreate(stored)
		shape.ID, shape.CreatedAt, shape.UpdatedAt = stored.ID, stored.CreatedAt, stored.UpdatedAt
		s.shapes[stored.ID] = stored
	}

	logrus.WithField("shape_count", len(shapes)).Info("Shapes created successfully")
	return nil
}

func (s *shapeStore) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	log := logrus.WithField("shape_id", id)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.shapes[id]
	if !ok {
		log.WithField("error", "shape not found").Warn("Shape with specified ID not found")
		return core.NotFound(id)
	}
	if err := core.NewWriteOptions(opts...).Check(current); err != nil {
		log.WithError(err).Debug("Shape update refused")
		return err
	}

	updated := current.Apply(attrs)
	updated.UpdatedAt = core.NowMillis()
	s.shapes[id] = updated

	log.Debug("Shape updated successfully")
	return nil
}

func (s *shapeStore) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return s.DeleteBatch(ctx, []string{id}, opts...)
}

func (s *shapeStore) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	o := core.NewWriteOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		current, ok := s.shapes[id]
		if !ok {
			return core.NotFound(id)
		}
		if err := o.Check(current); err != nil {
			return err
		}
	}
	for _, id := range ids {
		delete(s.shapes, id)
	}

	logrus.WithField("shape_count", len(ids)).Info("Shapes deleted successfully")
	return nil
}

func (s *shapeStore) Reorder(ctx context.Context, zIndices map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.NowMillis()
	for id, z := range zIndices {
		current, ok := s.shapes[id]
		if !ok {
			continue
		}
		updated := current.Clone()
		updated.ZIndex = z
		updated.UpdatedAt = now
		s.shapes[id] = updated
	}
	return nil
}

func (s *shapeStore) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for id, shape := range s.shapes {
		if shape.LockedBy != userID {
			continue
		}
		s.shapes[id] = shape.Apply(core.UnlockAttrs())
		released++
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     userID,
		"shape_count": released,
	}).Info("Locks released successfully")
	return released, nil
}

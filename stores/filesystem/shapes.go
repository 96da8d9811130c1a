package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"shapesync/core"
)

type fsStore struct {
	basePath string
	// mu serialises read-modify-write cycles; the files alone give no
	// conditional write.
	mu sync.Mutex
}

// NewShapeStore keeps one JSON file per shape under basePath.
func NewShapeStore(basePath string) (core.ShapeRepository, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

func (s *fsStore) shapePath(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || id == "." || id == ".." {
		return "", &core.ValidationError{Field: "id", Reason: "must be a plain name"}
	}
	return filepath.Join(s.basePath, id+".json"), nil
}

func (s *fsStore) read(id string) (*core.Shape, error) {
	filePath, err := s.shapePath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFound(id)
		}
		return nil, core.Transient("read", err)
	}
	var shape core.Shape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("failed to decode shape %s: %w", id, err)
	}
	return &shape, nil
}

// write goes through a temp file and rename so readers never see a torn file.
func (s *fsStore) write(shape *core.Shape) error {
	filePath, err := s.shapePath(shape.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(shape)
	if err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return core.Transient("write", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return core.Transient("write", err)
	}
	return nil
}

func (s *fsStore) List(ctx context.Context) ([]*core.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *fsStore) list() ([]*core.Shape, error) {
	log := logrus.WithField("path", s.basePath)

	files, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*core.Shape{}, nil
		}
		log.WithError(err).Error("Failed to read shape directory")
		return nil, core.Transient("list", err)
	}

	shapes := make([]*core.Shape, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		shape, err := s.read(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			log.WithError(err).Warnf("Failed to read shape file %s, skipping", file.Name())
			continue
		}
		shapes = append(shapes, shape)
	}
	core.SortShapes(shapes)
	return shapes, nil
}

func (s *fsStore) Create(ctx context.Context, shape *core.Shape) error {
	return s.CreateBatch(ctx, []*core.Shape{shape})
}

func (s *fsStore) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, shape := range shapes {
		if shape.ID != "" {
			if _, err := s.read(shape.ID); err == nil {
				return fmt.Errorf("shape with id %s already exists", shape.ID)
			}
		}
	}
	for _, shape := range shapes {
		core.PrepareCreate(shape)
		if err := s.write(shape); err != nil {
			logrus.WithFields(logrus.Fields{"shape_id": shape.ID, "error": err}).Error("Failed to create shape")
			return err
		}
	}
	logrus.WithField("shape_count", len(shapes)).Info("Shapes created successfully")
	return nil
}

func (s *fsStore) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := logrus.WithField("shape_id", id)

	current, err := s.read(id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.WithField("error", "shape not found").Warn("Shape with specified ID not found")
		}
		return err
	}
	if err := core.NewWriteOptions(opts...).Check(current); err != nil {
		return err
	}
	next := current.Apply(attrs)
	next.UpdatedAt = core.NowMillis()
	if err := s.write(next); err != nil {
		log.WithError(err).Error("Failed to update shape")
		return err
	}
	return nil
}

func (s *fsStore) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return s.DeleteBatch(ctx, []string{id}, opts...)
}

func (s *fsStore) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := core.NewWriteOptions(opts...)

	for _, id := range ids {
		current, err := s.read(id)
		if err != nil {
			return err
		}
		if err := o.Check(current); err != nil {
			return err
		}
	}
	for _, id := range ids {
		filePath, _ := s.shapePath(id)
		if err := os.Remove(filePath); err != nil {
			logrus.WithFields(logrus.Fields{"shape_id": id, "error": err}).Error("Failed to delete shape")
			return core.Transient("delete", err)
		}
	}
	logrus.WithField("shape_count", len(ids)).Info("Shapes deleted successfully")
	return nil
}

func (s *fsStore) Reorder(ctx context.Context, zIndices map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, z := range zIndices {
		current, err := s.read(id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		current.ZIndex = z
		current.UpdatedAt = core.NowMillis()
		if err := s.write(current); err != nil {
			return err
		}
	}
	return nil
}

func (s *fsStore) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	shapes, err := s.list()
	if err != nil {
		return 0, err
	}
	released := 0
	for _, shape := range shapes {
		if shape.LockedBy != userID {
			continue
		}
		next := shape.Apply(core.UnlockAttrs())
		next.UpdatedAt = core.NowMillis()
		if err := s.write(next); err != nil {
			return released, err
		}
		released++
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "shape_count": released}).Info("Locks released successfully")
	return released, nil
}

package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shapesync/core"
)

// shapeRow is the persisted form. Data holds the whole shape as JSON; the
// other columns exist for ordering and lock lookups.
type shapeRow struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	ZIndex    int    `gorm:"index"`
	CreatedMs int64  `gorm:"column:created_ms"`
	LockedBy  string `gorm:"type:varchar(128);index;default:''"`
	Data      []byte `gorm:"type:mediumblob"`
}

func (shapeRow) TableName() string { return "shapes" }

func toRow(s *core.Shape) (*shapeRow, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shape %s: %w", s.ID, err)
	}
	return &shapeRow{ID: s.ID, ZIndex: s.ZIndex, CreatedMs: s.CreatedAt, LockedBy: s.LockedBy, Data: data}, nil
}

func (r *shapeRow) shape() (*core.Shape, error) {
	var s core.Shape
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode shape %s: %w", r.ID, err)
	}
	return &s, nil
}

type shapeStore struct {
	db *gorm.DB
}

func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
}

// NewShapeStore migrates the shapes table and returns a repository on db.
func NewShapeStore(db *gorm.DB) (core.ShapeRepository, error) {
	if err := db.AutoMigrate(&shapeRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate shapes table: %w", err)
	}
	return &shapeStore{db: db}, nil
}

// classify marks deadlocks and lock wait timeouts as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mysqlerr.MySQLError
	if errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205) {
		return core.Transient(op, err)
	}
	if errors.Is(err, mysqlerr.ErrInvalidConn) {
		return core.Transient(op, err)
	}
	return err
}

func (s *shapeStore) List(ctx context.Context) ([]*core.Shape, error) {
	var rows []shapeRow
	err := s.db.WithContext(ctx).Order("z_index ASC, created_ms ASC, id ASC").Find(&rows).Error
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list shapes")
		return nil, classify("list", err)
	}
	shapes := make([]*core.Shape, 0, len(rows))
	for i := range rows {
		shape, err := rows[i].shape()
		if err != nil {
			logrus.WithError(err).Warn("Skipping undecodable shape row")
			continue
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

func (s *shapeStore) Create(ctx context.Context, shape *core.Shape) error {
	return s.CreateBatch(ctx, []*core.Shape{shape})
}

func (s *shapeStore) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	rows := make([]*shapeRow, 0, len(shapes))
	for _, shape := range shapes {
		core.PrepareCreate(shape)
		row, err := toRow(shape)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		logrus.WithField("error", err).Error("Failed to create shapes")
		return classify("create", err)
	}
	logrus.WithField("shape_count", len(shapes)).Info("Shapes created successfully")
	return nil
}

// locked loads the row for id under SELECT ... FOR UPDATE.
func locked(tx *gorm.DB, id string) (*core.Shape, error) {
	var row shapeRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.NotFound(id)
		}
		return nil, classify("load", err)
	}
	return row.shape()
}

func save(tx *gorm.DB, shape *core.Shape) error {
	shape.UpdatedAt = core.NowMillis()
	row, err := toRow(shape)
	if err != nil {
		return err
	}
	err = tx.Model(&shapeRow{}).Where("id = ?", shape.ID).Updates(map[string]any{
		"z_index":   row.ZIndex,
		"locked_by": row.LockedBy,
		"data":      row.Data,
	}).Error
	return classify("save", err)
}

func (s *shapeStore) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	o := core.NewWriteOptions(opts...)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := locked(tx, id)
		if err != nil {
			return err
		}
		if err := o.Check(current); err != nil {
			return err
		}
		return save(tx, current.Apply(attrs))
	})
}

func (s *shapeStore) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return s.DeleteBatch(ctx, []string{id}, opts...)
}

func (s *shapeStore) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	o := core.NewWriteOptions(opts...)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			current, err := locked(tx, id)
			if err != nil {
				return err
			}
			if err := o.Check(current); err != nil {
				return err
			}
		}
		return classify("delete", tx.Where("id IN ?", ids).Delete(&shapeRow{}).Error)
	})
	if err == nil {
		logrus.WithField("shape_count", len(ids)).Info("Shapes deleted successfully")
	}
	return err
}

func (s *shapeStore) Reorder(ctx context.Context, zIndices map[string]int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, z := range zIndices {
			current, err := locked(tx, id)
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			current.ZIndex = z
			if err := save(tx, current); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *shapeStore) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	released := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []shapeRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("locked_by = ?", userID).Find(&rows).Error
		if err != nil {
			return classify("release", err)
		}
		for i := range rows {
			current, err := rows[i].shape()
			if err != nil {
				return err
			}
			if err := save(tx, current.Apply(core.UnlockAttrs())); err != nil {
				return err
			}
		}
		released = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"user_id": userID, "shape_count": released}).Info("Locks released successfully")
	return released, nil
}

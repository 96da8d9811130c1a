package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"shapesync/core"
)

type shapeStore struct {
	db *sql.DB
}

func NewShapeStore(dataSourceName string) (core.ShapeRepository, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one connection serialises writers; sqlite would otherwise answer
	// concurrent read-modify-write transactions with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	shapesTable := `CREATE TABLE IF NOT EXISTS shapes (
		id TEXT PRIMARY KEY,
		z_index INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		locked_by TEXT NOT NULL DEFAULT '',
		data BLOB NOT NULL
	);`
	if _, err = db.Exec(shapesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create shapes table: %w", err)
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS shapes_locked_by ON shapes (locked_by);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create shapes index: %w", err)
	}

	return &shapeStore{db}, nil
}

// classify marks lock contention as transient so the caller retries it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	// extended codes keep the primary code in the low byte
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return core.Transient(op, err)
	}
	return err
}

func (s *shapeStore) List(ctx context.Context) ([]*core.Shape, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM shapes ORDER BY z_index ASC, created_at ASC, id ASC")
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list shapes")
		return nil, classify("list", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close shape rows")
		}
	}()

	shapes := make([]*core.Shape, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var shape core.Shape
		if err := json.Unmarshal(data, &shape); err != nil {
			logrus.WithField("error", err).Warn("Skipping undecodable shape row")
			continue
		}
		shapes = append(shapes, &shape)
	}
	return shapes, rows.Err()
}

func (s *shapeStore) Create(ctx context.Context, shape *core.Shape) error {
	return s.CreateBatch(ctx, []*core.Shape{shape})
}

func (s *shapeStore) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("create", err)
	}
	defer tx.Rollback()

	for _, shape := range shapes {
		core.PrepareCreate(shape)
		data, err := json.Marshal(shape)
		if err != nil {
			return fmt.Errorf("failed to marshal shape %s: %w", shape.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO shapes (id, z_index, created_at, locked_by, data) VALUES (?, ?, ?, ?, ?)",
			shape.ID, shape.ZIndex, shape.CreatedAt, shape.LockedBy, data)
		if err != nil {
			logrus.WithFields(logrus.Fields{"shape_id": shape.ID, "error": err}).Error("Failed to create shape")
			return classify("create", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("create", err)
	}

	logrus.WithField("shape_count", len(shapes)).Info("Shapes created successfully")
	return nil
}

func load(ctx context.Context, tx *sql.Tx, id string) (*core.Shape, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, "SELECT data FROM shapes WHERE id = ?", id).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.NotFound(id)
		}
		return nil, classify("load", err)
	}
	var shape core.Shape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("failed to decode shape %s: %w", id, err)
	}
	return &shape, nil
}

func save(ctx context.Context, tx *sql.Tx, shape *core.Shape) error {
	shape.UpdatedAt = core.NowMillis()
	data, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("failed to marshal shape %s: %w", shape.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE shapes SET z_index = ?, locked_by = ?, data = ? WHERE id = ?",
		shape.ZIndex, shape.LockedBy, data, shape.ID)
	return classify("save", err)
}

func (s *shapeStore) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	log := logrus.WithField("shape_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("update", err)
	}
	defer tx.Rollback()

	current, err := load(ctx, tx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.WithField("error", "shape not found").Warn("Shape with specified ID not found")
		}
		return err
	}
	if err := core.NewWriteOptions(opts...).Check(current); err != nil {
		return err
	}
	if err := save(ctx, tx, current.Apply(attrs)); err != nil {
		log.WithField("error", err).Error("Failed to update shape")
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("update", err)
	}

	log.Debug("Shape updated successfully")
	return nil
}

func (s *shapeStore) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return s.DeleteBatch(ctx, []string{id}, opts...)
}

func (s *shapeStore) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	o := core.NewWriteOptions(opts...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("delete", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		current, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := o.Check(current); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM shapes WHERE id = ?", id); err != nil {
			logrus.WithFields(logrus.Fields{"shape_id": id, "error": err}).Error("Failed to delete shape")
			return classify("delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("delete", err)
	}

	logrus.WithField("shape_count", len(ids)).Info("Shapes deleted successfully")
	return nil
}

func (s *shapeStore) Reorder(ctx context.Context, zIndices map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("reorder", err)
	}
	defer tx.Rollback()

	for id, z := range zIndices {
		current, err := load(ctx, tx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		current.ZIndex = z
		if err := save(ctx, tx, current); err != nil {
			return err
		}
	}
	return classify("reorder", tx.Commit())
}

func (s *shapeStore) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	log := logrus.WithField("user_id", userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("release", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM shapes WHERE locked_by = ?", userID)
	if err != nil {
		return 0, classify("release", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		current, err := load(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if err := save(ctx, tx, current.Apply(core.UnlockAttrs())); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("release", err)
	}

	log.WithField("shape_count", len(ids)).Info("Locks released successfully")
	return len(ids), nil
}

// Close releases the underlying database handle.
func Close(repo core.ShapeRepository) error {
	if s, ok := repo.(*shapeStore); ok {
		return s.db.Close()
	}
	return nil
}

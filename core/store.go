package core

import (
	"context"
)

type (
	// ShapeRepository is the durable, authoritative shape collection.
	// Implementations must apply each write atomically per shape and honour
	// the WriteOptions preconditions.
	ShapeRepository interface {
		// List returns every shape in paint order.
		List(ctx context.Context) ([]*Shape, error)

		Create(ctx context.Context, shape *Shape) error
		CreateBatch(ctx context.Context, shapes []*Shape) error

		// Update merges attrs into the stored shape.
		Update(ctx context.Context, id string, attrs Attrs, opts ...WriteOption) error

		Delete(ctx context.Context, id string, opts ...WriteOption) error
		DeleteBatch(ctx context.Context, ids []string, opts ...WriteOption) error

		// Reorder assigns the given zIndex values in one write.
		Reorder(ctx context.Context, zIndices map[string]int) error

		// ReleaseLocksHeldBy clears every lock owned by userID and reports
		// how many shapes were released.
		ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error)
	}

	// CanonicalStore delivers full snapshots of the collection after every
	// change. Snapshots arrive asynchronously and may trail local writes.
	CanonicalStore interface {
		ShapeRepository
		Subscribe(onSnapshot func([]*Shape)) (unsubscribe func())
	}

	// PositionChannel is the low durability broadcast of in-progress drags.
	PositionChannel interface {
		Publish(ctx context.Context, record PositionRecord) error
		// Clear withdraws the record for shapeID once its drag ended.
		Clear(ctx context.Context, shapeID string) error
		// Subscribe delivers the full current record map on every change.
		Subscribe(ctx context.Context, onRecords func(map[string]PositionRecord)) (unsubscribe func(), err error)
	}

	// PresenceCleaner releases every lock held by a user and marks the user
	// offline. It runs on logout, on session teardown and on disconnect.
	PresenceCleaner interface {
		ReleaseUser(ctx context.Context, userID string) error
	}

	WriteOptions struct {
		requireLockable bool
		LockableBy      string
	}

	WriteOption func(*WriteOptions)
)

// RequireLockable makes the store refuse the write with a LockConflictError
// when the target shape is locked by anyone other than userID.
func RequireLockable(userID string) WriteOption {
	return func(o *WriteOptions) {
		o.requireLockable = true
		o.LockableBy = userID
	}
}

func NewWriteOptions(opts ...WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Check validates the preconditions against the currently stored shape.
func (o WriteOptions) Check(current *Shape) error {
	if !o.requireLockable || current == nil {
		return nil
	}
	if current.LockedByOther(o.LockableBy) {
		return &LockConflictError{ShapeID: current.ID, OwnerID: current.LockedBy, OwnerName: current.LockedByName}
	}
	return nil
}

// PrepareCreate fills the fields the store owns on insert.
func PrepareCreate(s *Shape) {
	now := NowMillis()
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.IsDragging, s.DraggingBy, s.DraggingByName = false, "", ""
	s.IsLocked = s.LockedBy != ""
}

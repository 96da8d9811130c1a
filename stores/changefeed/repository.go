package changefeed

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"shapesync/core"
)

// enqueueTimeout bounds how long a write waits for queue space.
const enqueueTimeout = 50 * time.Millisecond

// Repository decorates a ShapeRepository and emits one event per successful
// write. Failed writes emit nothing.
type Repository struct {
	core.ShapeRepository
	d *Dispatcher
}

func Wrap(repo core.ShapeRepository, d *Dispatcher) *Repository {
	return &Repository{ShapeRepository: repo, d: d}
}

func (r *Repository) emit(ctx context.Context, evt ShapeEvent) {
	evt.AppliedAt = time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := r.d.Enqueue(ctx, evt); err != nil {
		logrus.WithFields(logrus.Fields{"event_type": evt.EventType, "error": err}).Warn("Shape event queue full, dropping")
	}
}

func actor(opts []core.WriteOption) string {
	return core.NewWriteOptions(opts...).LockableBy
}

func (r *Repository) Create(ctx context.Context, shape *core.Shape) error {
	return r.CreateBatch(ctx, []*core.Shape{shape})
}

func (r *Repository) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	if err := r.ShapeRepository.CreateBatch(ctx, shapes); err != nil {
		return err
	}
	ids := make([]string, 0, len(shapes))
	var createdBy string
	for _, s := range shapes {
		ids = append(ids, s.ID)
		createdBy = s.CreatedBy
	}
	r.emit(ctx, ShapeEvent{EventType: EventCreated, ShapeIDs: ids, ActorID: createdBy})
	return nil
}

func (r *Repository) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	if err := r.ShapeRepository.Update(ctx, id, attrs, opts...); err != nil {
		return err
	}
	payload := make(map[string]any, len(attrs))
	for f, v := range attrs {
		payload[string(f)] = v
	}
	r.emit(ctx, ShapeEvent{EventType: EventUpdated, ShapeIDs: []string{id}, ActorID: actor(opts), Attrs: payload})
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return r.DeleteBatch(ctx, []string{id}, opts...)
}

func (r *Repository) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	if err := r.ShapeRepository.DeleteBatch(ctx, ids, opts...); err != nil {
		return err
	}
	r.emit(ctx, ShapeEvent{EventType: EventDeleted, ShapeIDs: ids, ActorID: actor(opts)})
	return nil
}

func (r *Repository) Reorder(ctx context.Context, zIndices map[string]int) error {
	if err := r.ShapeRepository.Reorder(ctx, zIndices); err != nil {
		return err
	}
	ids := make([]string, 0, len(zIndices))
	payload := make(map[string]any, len(zIndices))
	for id, z := range zIndices {
		ids = append(ids, id)
		payload[id] = z
	}
	r.emit(ctx, ShapeEvent{EventType: EventReordered, ShapeIDs: ids, Attrs: payload})
	return nil
}

func (r *Repository) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	n, err := r.ShapeRepository.ReleaseLocksHeldBy(ctx, userID)
	if err == nil && n > 0 {
		r.emit(ctx, ShapeEvent{EventType: EventLocksReleased, ActorID: userID})
	}
	return n, err
}

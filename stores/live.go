package stores

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"shapesync/core"
)

// Live turns a repository into a CanonicalStore. After every successful
// write the full collection is listed once and handed to each subscriber.
// Subscribers are fed from their own goroutine and only ever see the newest
// pending snapshot, so a slow consumer skips intermediate states instead of
// queueing them. Delivered slices are shared and must not be modified.
type Live struct {
	core.ShapeRepository

	notifyMu sync.Mutex // orders list+offer so the newest listing is offered last

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	fn      func([]*core.Shape)
	mu      sync.Mutex
	pending []*core.Shape
	has     bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLive(repo core.ShapeRepository) *Live {
	return &Live{
		ShapeRepository: repo,
		subs:            make(map[int]*subscriber),
	}
}

func (l *Live) Subscribe(onSnapshot func([]*core.Shape)) func() {
	sub := &subscriber{
		fn:   onSnapshot,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = sub
	l.mu.Unlock()

	go sub.run()
	go func() {
		l.notifyMu.Lock()
		defer l.notifyMu.Unlock()
		shapes, err := l.ShapeRepository.List(context.Background())
		if err != nil {
			logrus.WithError(err).Error("Failed to load initial snapshot")
			return
		}
		sub.offer(shapes)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			_, ok := l.subs[id]
			delete(l.subs, id)
			l.mu.Unlock()
			if ok {
				close(sub.done)
			}
		})
	}
}

// Close stops every subscriber.
func (l *Live) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, sub := range l.subs {
		close(sub.done)
		delete(l.subs, id)
	}
}

func (l *Live) notify() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	shapes, err := l.ShapeRepository.List(context.Background())
	if err != nil {
		logrus.WithError(err).Error("Failed to list shapes for subscribers")
		return
	}

	l.mu.Lock()
	subs := make([]*subscriber, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.offer(shapes)
	}
}

func (s *subscriber) offer(shapes []*core.Shape) {
	s.mu.Lock()
	s.pending = shapes
	s.has = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		shapes, has := s.pending, s.has
		s.pending, s.has = nil, false
		s.mu.Unlock()
		if has {
			s.fn(shapes)
		}
	}
}

func (l *Live) after(err error) error {
	if err == nil {
		l.notify()
	}
	return err
}

func (l *Live) Create(ctx context.Context, shape *core.Shape) error {
	return l.after(l.ShapeRepository.Create(ctx, shape))
}

func (l *Live) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	return l.after(l.ShapeRepository.CreateBatch(ctx, shapes))
}

func (l *Live) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	return l.after(l.ShapeRepository.Update(ctx, id, attrs, opts...))
}

func (l *Live) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return l.after(l.ShapeRepository.Delete(ctx, id, opts...))
}

func (l *Live) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	return l.after(l.ShapeRepository.DeleteBatch(ctx, ids, opts...))
}

func (l *Live) Reorder(ctx context.Context, zIndices map[string]int) error {
	return l.after(l.ShapeRepository.Reorder(ctx, zIndices))
}

func (l *Live) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	n, err := l.ShapeRepository.ReleaseLocksHeldBy(ctx, userID)
	if err == nil && n > 0 {
		l.notify()
	}
	return n, err
}

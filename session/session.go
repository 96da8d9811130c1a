// Package session is the per-user engine: it owns the local selection, drag
// and optimistic overlay, talks to the canonical store through the lock
// table and retry policy, and renders the merged shape list.
//
// Local state changes happen synchronously under the session mutex before
// any store call is made. Store calls block on the caller's context; the
// mutex is never held across them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"shapesync/config"
	"shapesync/core"
	"shapesync/ephemeral"
	"shapesync/locking"
	"shapesync/naming"
	"shapesync/overlay"
	"shapesync/reconcile"
	"shapesync/retry"
	"shapesync/selection"
)

type Options struct {
	Store core.CanonicalStore
	// Positions is optional; without it drags are not broadcast and remote
	// drags are not shown.
	Positions core.PositionChannel
	// Cleaner is optional; without it Close releases the current selection
	// itself.
	Cleaner core.PresenceCleaner

	UserID   string
	UserName string

	// Sync defaults to config.DefaultSync().
	Sync *config.Sync
	Log  *logrus.Entry
}

type AddOptions struct {
	// SkipAutoLock creates the shape without selecting or locking it.
	SkipAutoLock bool
}

type Session struct {
	store     core.CanonicalStore
	positions core.PositionChannel
	throttle  *ephemeral.Throttle
	coalescer *ephemeral.Coalescer
	cleaner   core.PresenceCleaner

	userID   string
	userName string
	cfg      config.Sync
	log      *logrus.Entry

	policy  retry.Policy
	locks   *locking.Table
	overlay *overlay.Overlay
	names   *naming.Counters

	mu        sync.Mutex
	canonical []*core.Shape
	byID      map[string]*core.Shape
	remote    map[string]core.PositionRecord
	sel       selection.Set
	gen       uint64 // bumped on every selection change
	drag      *selection.Drag
	dragLocks []string // locked by StartDrag for shapes outside the selection
	zHigh     int
	seeded    bool // a snapshot has been applied
	listeners []func()
	unsubs    []func()
	started   bool
	closed    bool
}

func New(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	cfg := config.DefaultSync()
	if opts.Sync != nil {
		cfg = *opts.Sync
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("user_id", opts.UserID)
	}

	s := &Session{
		store:     opts.Store,
		positions: opts.Positions,
		cleaner:   opts.Cleaner,
		userID:    opts.UserID,
		userName:  opts.UserName,
		cfg:       cfg,
		log:       log,
		policy:    retry.Policy{Attempts: cfg.LockRetries, Base: cfg.RetryBase, Log: log},
		overlay:   overlay.New(overlay.WithTolerance(cfg.OverlayTolerance), overlay.WithGrace(cfg.OverlayGrace)),
		names:     naming.NewCounters(),
		byID:      make(map[string]*core.Shape),
		remote:    map[string]core.PositionRecord{},
		zHigh:     -1,
	}
	s.locks = locking.NewTable(opts.Store, s.policy, s.lookup)
	if s.positions != nil {
		s.throttle = ephemeral.NewThrottle(s.positions, cfg.FrameInterval)
		s.coalescer = ephemeral.NewCoalescer(s.userID, cfg.FrameInterval, s.applyPositions)
	}
	return s, nil
}

func (s *Session) lookup(id string) (*core.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape, ok := s.byID[id]
	return shape, ok
}

// Start subscribes to the canonical store and the position channel. It
// returns once the current canonical state has been applied, so names and
// zIndex values handed out afterwards account for every existing shape.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	unsubs := []func(){s.store.Subscribe(s.ApplySnapshot)}
	var shapes []*core.Shape
	err := s.policy.Do(ctx, "list", func(ctx context.Context) error {
		var err error
		shapes, err = s.store.List(ctx)
		return err
	})
	if err != nil {
		unsubs[0]()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("load shapes: %w", err)
	}
	s.mu.Lock()
	seeded := s.seeded
	s.mu.Unlock()
	// keep a subscription snapshot that already arrived; later writes are
	// delivered through the subscription anyway
	if !seeded {
		s.ApplySnapshot(shapes)
	}

	if s.positions != nil {
		unsubscribe, err := s.positions.Subscribe(ctx, s.coalescer.Push)
		if err != nil {
			unsubs[0]()
			return fmt.Errorf("subscribe positions: %w", err)
		}
		unsubs = append(unsubs, unsubscribe)
		s.coalescer.Start()
	}

	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()
	s.log.Info("Session started")
	return nil
}

// Close stops the subscriptions and hands the user to the cleaner, which
// releases every lock the user holds.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	started := s.started
	held := s.sel.IDs()
	var dragged []string
	if s.drag != nil {
		dragged = s.drag.IDs()
		s.drag = nil
	}
	held = append(held, s.dragLocks...)
	s.dragLocks = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if s.coalescer != nil && started {
		s.coalescer.Close()
		s.coalescer.Wait()
	}
	s.clearPositions(ctx, dragged)

	var err error
	if s.cleaner != nil {
		err = s.cleaner.ReleaseUser(ctx, s.userID)
	} else {
		err = s.locks.ReleaseBatch(ctx, held, s.userID)
	}
	if err != nil {
		s.log.WithError(err).Warn("Failed to release locks on close")
		return err
	}
	s.log.Info("Session closed")
	return nil
}

// Logout closes the session and forgets all local state.
func (s *Session) Logout(ctx context.Context) error {
	err := s.Close(ctx)

	s.mu.Lock()
	s.sel = selection.NewSet()
	s.gen++
	s.remote = map[string]core.PositionRecord{}
	for id := range s.overlay.Entries() {
		s.overlay.Abandon(id)
	}
	s.mu.Unlock()
	s.emit()
	return err
}

// OnChange registers fn to run after every change of the rendered state.
// fn runs on the goroutine that made the change and must not block.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit() {
	s.mu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// ApplySnapshot takes a full canonical listing. It is the store
// subscription handler and can be called directly.
func (s *Session) ApplySnapshot(shapes []*core.Shape) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.byID
	byID := make(map[string]*core.Shape, len(shapes))
	for _, shape := range shapes {
		byID[shape.ID] = shape
	}
	s.canonical = shapes
	s.byID = byID
	s.seeded = true
	if z := core.MaxZIndex(shapes); z > s.zHigh {
		s.zHigh = z
	}
	s.names.Observe(shapes)
	s.overlay.Reconcile(shapes)

	// A selected shape is dropped when another user's lock won the race,
	// or when it was deleted. Ids never seen in a snapshot are kept: the
	// create may not have arrived yet.
	next := s.sel.Filter(func(id string) bool {
		shape, ok := byID[id]
		if !ok {
			_, seen := prev[id]
			return !seen
		}
		return !shape.LockedByOther(s.userID)
	})
	if next.Len() != s.sel.Len() {
		s.log.WithField("shape_count", s.sel.Len()-next.Len()).Debug("Selection lost to canonical state")
		s.sel = next
		s.gen++
	}
	s.mu.Unlock()
	s.emit()
}

func (s *Session) applyPositions(records map[string]core.PositionRecord) {
	s.mu.Lock()
	s.remote = records
	s.mu.Unlock()
	s.emit()
}

// Shapes returns the merged list to draw.
func (s *Session) Shapes() []*core.Shape {
	s.mu.Lock()
	out := reconcile.Render(s.inputLocked())
	s.mu.Unlock()
	// pending zIndex changes live in the overlay
	core.SortShapes(out)
	return out
}

// Abandon drops the optimistic values for id, e.g. after a failed write
// the caller does not want to keep showing.
func (s *Session) Abandon(id string) {
	s.overlay.Abandon(id)
	s.emit()
}

// SourceOf reports which layer decides how the shape id is drawn.
func (s *Session) SourceOf(id string) (reconcile.Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape, ok := s.byID[id]
	if !ok {
		return reconcile.FromCanonical, false
	}
	return reconcile.SourceOf(s.inputLocked(), shape), true
}

func (s *Session) inputLocked() reconcile.Input {
	return reconcile.Input{
		Canonical:   s.canonical,
		Overlay:     s.overlay.Entries(),
		Positions:   s.remote,
		Drag:        s.drag,
		LocalUserID: s.userID,
	}
}

// Canonical returns the last snapshot. The shapes are shared and must not
// be modified.
func (s *Session) Canonical() []*core.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Shape, len(s.canonical))
	copy(out, s.canonical)
	return out
}

func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.IDs()
}

func (s *Session) State() selection.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return selection.StateOf(s.sel, s.drag != nil)
}

func (s *Session) UserID() string { return s.userID }

// nextZLocked reserves n consecutive zIndex values above everything seen
// or handed out so far and returns the first.
func (s *Session) nextZLocked(n int) int {
	z := s.zHigh + 1
	s.zHigh += n
	return z
}

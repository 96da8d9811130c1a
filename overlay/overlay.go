// Package overlay keeps the client's optimistic attribute writes until the
// canonical store echoes them back.
//
// Each field is cleared on its own once a canonical snapshot carries a
// matching value (numbers within the tolerance, everything else exact). A
// field the store already acknowledged but whose canonical value differs
// from both the written value and the value it replaced was overwritten by
// someone else; it is dropped after the grace window so the remote edit
// shows. Fields that were never acknowledged stay until they match or are
// abandoned.
package overlay

import (
	"sync"
	"time"

	"shapesync/core"
)

const (
	DefaultTolerance = 0.01
	DefaultGrace     = time.Second
)

type field struct {
	value   any
	base    any
	hasBase bool
	acked   bool
	// diverged is when the canonical value was first seen superseding an
	// acknowledged write.
	diverged time.Time
}

type entry struct {
	fields  map[core.Field]*field
	created time.Time
}

type Overlay struct {
	mu        sync.Mutex
	entries   map[string]*entry
	tolerance float64
	grace     time.Duration
	now       func() time.Time
}

type Option func(*Overlay)

func WithTolerance(tol float64) Option { return func(o *Overlay) { o.tolerance = tol } }

func WithGrace(d time.Duration) Option { return func(o *Overlay) { o.grace = d } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *Overlay) { o.now = now } }

func New(opts ...Option) *Overlay {
	o := &Overlay{
		entries:   make(map[string]*entry),
		tolerance: DefaultTolerance,
		grace:     DefaultGrace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Set merges attrs into the entry for id in call order. base is the shape
// the write was made against; it may be nil for shapes not yet seen.
func (o *Overlay) Set(id string, attrs core.Attrs, base *core.Shape) {
	if len(attrs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[id]
	if !ok {
		e = &entry{fields: make(map[core.Field]*field), created: o.now()}
		o.entries[id] = e
	}
	for f, v := range attrs {
		st := &field{value: v}
		if base != nil {
			st.base, st.hasBase = base.Get(f)
		}
		e.fields[f] = st
	}
}

// Ack records that the store accepted attrs for id. Fields overwritten by a
// later Set keep their pending state.
func (o *Overlay) Ack(id string, attrs core.Attrs) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[id]
	if !ok {
		return
	}
	for f, v := range attrs {
		if st, ok := e.fields[f]; ok && core.MatchValue(f, st.value, v, 0) {
			st.acked = true
		}
	}
}

// Reconcile clears fields the snapshot has caught up with and reports
// whether anything was removed.
func (o *Overlay) Reconcile(snapshot []*core.Shape) bool {
	byID := make(map[string]*core.Shape, len(snapshot))
	for _, s := range snapshot {
		byID[s.ID] = s
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	changed := false
	for id, e := range o.entries {
		shape, ok := byID[id]
		if !ok {
			// the shape is gone or not created yet; give a pending create
			// the grace window to show up
			if now.Sub(e.created) >= o.grace {
				delete(o.entries, id)
				changed = true
			}
			continue
		}
		for f, st := range e.fields {
			canonical, _ := shape.Get(f)
			if core.MatchValue(f, canonical, st.value, o.tolerance) {
				delete(e.fields, f)
				changed = true
				continue
			}
			if !st.acked || (st.hasBase && core.MatchValue(f, canonical, st.base, o.tolerance)) {
				// not yet round-tripped
				st.diverged = time.Time{}
				continue
			}
			if st.diverged.IsZero() {
				st.diverged = now
			}
			if now.Sub(st.diverged) >= o.grace {
				delete(e.fields, f)
				changed = true
			}
		}
		if len(e.fields) == 0 {
			delete(o.entries, id)
		}
	}
	return changed
}

// Abandon drops every pending field for id.
func (o *Overlay) Abandon(id string) {
	o.mu.Lock()
	delete(o.entries, id)
	o.mu.Unlock()
}

// Get returns a copy of the pending fields for id.
func (o *Overlay) Get(id string) (core.Attrs, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return nil, false
	}
	return e.attrs(), true
}

// Entries returns a copy of the whole overlay.
func (o *Overlay) Entries() map[string]core.Attrs {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]core.Attrs, len(o.entries))
	for id, e := range o.entries {
		out[id] = e.attrs()
	}
	return out
}

func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (e *entry) attrs() core.Attrs {
	a := make(core.Attrs, len(e.fields))
	for f, st := range e.fields {
		a[f] = st.value
	}
	return a
}

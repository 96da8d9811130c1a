// Package selection holds the client's selection set and the drag session
// state machine.
package selection

import (
	"shapesync/core"
)

type State int

const (
	Idle State = iota
	SingleSelected
	MultiSelected
	Dragging
)

func (s State) String() string {
	switch s {
	case SingleSelected:
		return "single-selected"
	case MultiSelected:
		return "multi-selected"
	case Dragging:
		return "dragging"
	default:
		return "idle"
	}
}

// Set is an insertion ordered set of shape ids. The zero value is empty.
type Set struct {
	ids   []string
	index map[string]int
}

func NewSet(ids ...string) Set {
	var s Set
	for _, id := range ids {
		s = s.With(id)
	}
	return s
}

func (s Set) Len() int { return len(s.ids) }

func (s Set) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// IDs returns a copy of the ids in insertion order.
func (s Set) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// With returns s plus id. s itself is not modified.
func (s Set) With(id string) Set {
	if s.Has(id) {
		return s
	}
	out := Set{ids: make([]string, 0, len(s.ids)+1), index: make(map[string]int, len(s.ids)+1)}
	for _, x := range s.ids {
		out.index[x] = len(out.ids)
		out.ids = append(out.ids, x)
	}
	out.index[id] = len(out.ids)
	out.ids = append(out.ids, id)
	return out
}

// Without returns s minus id.
func (s Set) Without(id string) Set {
	if !s.Has(id) {
		return s
	}
	out := Set{ids: make([]string, 0, len(s.ids)), index: make(map[string]int, len(s.ids))}
	for _, x := range s.ids {
		if x == id {
			continue
		}
		out.index[x] = len(out.ids)
		out.ids = append(out.ids, x)
	}
	return out
}

// Filter keeps the ids keep returns true for.
func (s Set) Filter(keep func(id string) bool) Set {
	var out Set
	for _, id := range s.ids {
		if keep(id) {
			out = out.With(id)
		}
	}
	return out
}

// Diff returns the ids only in next (to lock) and only in prev (to unlock).
// Ids in both are left alone.
func Diff(prev, next Set) (toLock, toUnlock []string) {
	for _, id := range next.ids {
		if !prev.Has(id) {
			toLock = append(toLock, id)
		}
	}
	for _, id := range prev.ids {
		if !next.Has(id) {
			toUnlock = append(toUnlock, id)
		}
	}
	return toLock, toUnlock
}

// StateOf derives the selection state from the set and drag status.
func StateOf(s Set, dragging bool) State {
	switch {
	case dragging:
		return Dragging
	case s.Len() == 0:
		return Idle
	case s.Len() == 1:
		return SingleSelected
	default:
		return MultiSelected
	}
}

// Drag is an in-progress move of one or more shapes. Only the delta changes
// while dragging; final positions are always initial + delta, so repeated
// moves never accumulate drift.
type Drag struct {
	initial map[string]core.Position
	order   []string
	dx, dy  float64
}

// StartDrag captures the current position of every shape.
func StartDrag(shapes []*core.Shape) *Drag {
	d := &Drag{initial: make(map[string]core.Position, len(shapes))}
	for _, s := range shapes {
		if _, dup := d.initial[s.ID]; dup {
			continue
		}
		d.initial[s.ID] = s.Position()
		d.order = append(d.order, s.ID)
	}
	return d
}

// Move sets the total offset from the start of the drag.
func (d *Drag) Move(dx, dy float64) {
	d.dx, d.dy = dx, dy
}

func (d *Drag) Delta() (dx, dy float64) { return d.dx, d.dy }

func (d *Drag) Covers(id string) bool {
	_, ok := d.initial[id]
	return ok
}

func (d *Drag) IDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Final returns the current absolute position of one dragged shape.
func (d *Drag) Final(id string) (core.Position, bool) {
	p, ok := d.initial[id]
	if !ok {
		return core.Position{}, false
	}
	return p.Translate(d.dx, d.dy), true
}

// Finals returns the attrs to write for every dragged shape.
func (d *Drag) Finals() map[string]core.Attrs {
	out := make(map[string]core.Attrs, len(d.initial))
	for id, p := range d.initial {
		out[id] = p.Translate(d.dx, d.dy).Attrs()
	}
	return out
}

// Apply renders s at its dragged position. Shapes outside the drag are
// returned unchanged.
func (d *Drag) Apply(s *core.Shape) *core.Shape {
	p, ok := d.Final(s.ID)
	if !ok {
		return s
	}
	return s.Apply(p.Attrs())
}

// Package reconcile merges the canonical snapshot with the client-local
// layers into the list of shapes to draw.
package reconcile

import (
	"shapesync/core"
	"shapesync/selection"
)

type Source int

const (
	FromCanonical Source = iota
	FromEphemeral
	FromOverlay
	FromDrag
)

func (s Source) String() string {
	switch s {
	case FromDrag:
		return "drag"
	case FromOverlay:
		return "overlay"
	case FromEphemeral:
		return "ephemeral"
	default:
		return "canonical"
	}
}

type Input struct {
	Canonical   []*core.Shape
	Overlay     map[string]core.Attrs
	Positions   map[string]core.PositionRecord
	Drag        *selection.Drag
	LocalUserID string
}

// SourceOf reports which layer decides how s is drawn. Exactly one layer
// wins: local drag, then overlay, then a remote drag, then canonical.
func SourceOf(in Input, s *core.Shape) Source {
	if in.Drag != nil && in.Drag.Covers(s.ID) {
		return FromDrag
	}
	if attrs, ok := in.Overlay[s.ID]; ok && len(attrs) > 0 {
		return FromOverlay
	}
	if rec, ok := in.Positions[s.ID]; ok && rec.DraggingBy != in.LocalUserID {
		return FromEphemeral
	}
	return FromCanonical
}

// Render returns one shape per canonical shape, in canonical order. Shapes
// drawn straight from canonical are the same pointers as in in.Canonical.
func Render(in Input) []*core.Shape {
	out := make([]*core.Shape, len(in.Canonical))
	for i, s := range in.Canonical {
		switch SourceOf(in, s) {
		case FromDrag:
			out[i] = in.Drag.Apply(s)
		case FromOverlay:
			out[i] = s.Apply(in.Overlay[s.ID])
		case FromEphemeral:
			rec := in.Positions[s.ID]
			r := s.Apply(rec.Attrs())
			r.IsDragging = true
			r.DraggingBy = rec.DraggingBy
			r.DraggingByName = rec.DraggingByName
			out[i] = r
		default:
			out[i] = s
		}
	}
	return out
}

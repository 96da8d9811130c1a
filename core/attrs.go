package core

import (
	"fmt"
	"math"
	"sort"

	"github.com/spf13/cast"
)

// Field names a mutable shape attribute. Values match the JSON keys.
type Field string

const (
	FieldName         Field = "name"
	FieldZIndex       Field = "zIndex"
	FieldIsLocked     Field = "isLocked"
	FieldLockedBy     Field = "lockedBy"
	FieldLockedByName Field = "lockedByName"
	FieldX            Field = "x"
	FieldY            Field = "y"
	FieldWidth        Field = "width"
	FieldHeight       Field = "height"
	FieldRadius       Field = "radius"
	FieldRotation     Field = "rotation"
	FieldText         Field = "text"
	FieldFontSize     Field = "fontSize"
	FieldFontFamily   Field = "fontFamily"
	FieldX1           Field = "x1"
	FieldY1           Field = "y1"
	FieldX2           Field = "x2"
	FieldY2           Field = "y2"
	FieldOpacity      Field = "opacity"
	FieldFill         Field = "fill"
	FieldStroke       Field = "stroke"
	FieldStrokeWidth  Field = "strokeWidth"
)

type fieldKind int

const (
	kindFloat fieldKind = iota
	kindInt
	kindString
	kindBool
)

var fieldKinds = map[Field]fieldKind{
	FieldName:         kindString,
	FieldZIndex:       kindInt,
	FieldIsLocked:     kindBool,
	FieldLockedBy:     kindString,
	FieldLockedByName: kindString,
	FieldX:            kindFloat,
	FieldY:            kindFloat,
	FieldWidth:        kindFloat,
	FieldHeight:       kindFloat,
	FieldRadius:       kindFloat,
	FieldRotation:     kindFloat,
	FieldText:         kindString,
	FieldFontSize:     kindFloat,
	FieldFontFamily:   kindString,
	FieldX1:           kindFloat,
	FieldY1:           kindFloat,
	FieldX2:           kindFloat,
	FieldY2:           kindFloat,
	FieldOpacity:      kindFloat,
	FieldFill:         kindString,
	FieldStroke:       kindString,
	FieldStrokeWidth:  kindFloat,
}

// Known reports whether f is a mutable shape attribute.
func (f Field) Known() bool {
	_, ok := fieldKinds[f]
	return ok
}

// Numeric reports whether f holds a number. Numeric fields are compared
// with a tolerance during overlay reconciliation.
func (f Field) Numeric() bool {
	k, ok := fieldKinds[f]
	return ok && (k == kindFloat || k == kindInt)
}

// Attrs is a partial set of shape attributes. A nil value clears the field.
type Attrs map[Field]any

func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	c := make(Attrs, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Merge copies other over a, later values winning.
func (a Attrs) Merge(other Attrs) Attrs {
	out := a.Clone()
	if out == nil {
		out = make(Attrs, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Fields returns the attribute names in a deterministic order.
func (a Attrs) Fields() []Field {
	fields := make([]Field, 0, len(a))
	for f := range a {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// TouchesLock reports whether the update changes any lock field.
func (a Attrs) TouchesLock() bool {
	_, l := a[FieldIsLocked]
	_, b := a[FieldLockedBy]
	_, n := a[FieldLockedByName]
	return l || b || n
}

// NormalizeAttrs coerces every value to the canonical Go type of its field:
// float64 for geometry, int for zIndex, string and bool otherwise.
func NormalizeAttrs(a Attrs) (Attrs, error) {
	out := make(Attrs, len(a))
	for f, v := range a {
		nv, err := NormalizeValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f] = nv
	}
	return out, nil
}

func NormalizeValue(f Field, v any) (any, error) {
	kind, ok := fieldKinds[f]
	if !ok {
		return nil, &ValidationError{Field: string(f), Reason: "unknown attribute"}
	}
	if v == nil {
		switch kind {
		case kindFloat:
			return float64(0), nil
		case kindInt:
			return 0, nil
		case kindBool:
			return false, nil
		default:
			return "", nil
		}
	}
	var (
		out any
		err error
	)
	switch kind {
	case kindFloat:
		var n float64
		n, err = cast.ToFloat64E(v)
		if err == nil && (math.IsNaN(n) || math.IsInf(n, 0)) {
			err = fmt.Errorf("not a finite number")
		}
		out = n
	case kindInt:
		out, err = cast.ToIntE(v)
	case kindBool:
		out, err = cast.ToBoolE(v)
	default:
		out, err = cast.ToStringE(v)
	}
	if err != nil {
		return nil, &ValidationError{Field: string(f), Reason: err.Error()}
	}
	return out, nil
}

// MatchValue compares two values of field f. Numbers match when they are
// within tol of each other, everything else must be equal.
func MatchValue(f Field, a, b any, tol float64) bool {
	na, errA := NormalizeValue(f, a)
	nb, errB := NormalizeValue(f, b)
	if errA != nil || errB != nil {
		return false
	}
	if f.Numeric() {
		fa, _ := cast.ToFloat64E(na)
		fb, _ := cast.ToFloat64E(nb)
		return math.Abs(fa-fb) <= tol
	}
	return na == nb
}

// Get returns the current value of field f.
func (s *Shape) Get(f Field) (any, bool) {
	switch f {
	case FieldName:
		return s.Name, true
	case FieldZIndex:
		return s.ZIndex, true
	case FieldIsLocked:
		return s.IsLocked, true
	case FieldLockedBy:
		return s.LockedBy, true
	case FieldLockedByName:
		return s.LockedByName, true
	case FieldX:
		return s.X, true
	case FieldY:
		return s.Y, true
	case FieldWidth:
		return s.Width, true
	case FieldHeight:
		return s.Height, true
	case FieldRadius:
		return s.Radius, true
	case FieldRotation:
		return s.Rotation, true
	case FieldText:
		return s.Text, true
	case FieldFontSize:
		return s.FontSize, true
	case FieldFontFamily:
		return s.FontFamily, true
	case FieldX1:
		return s.X1, true
	case FieldY1:
		return s.Y1, true
	case FieldX2:
		return s.X2, true
	case FieldY2:
		return s.Y2, true
	case FieldOpacity:
		return s.Opacity, true
	case FieldFill:
		return s.Fill, true
	case FieldStroke:
		return s.Stroke, true
	case FieldStrokeWidth:
		return s.StrokeWidth, true
	}
	return nil, false
}

// Apply returns a copy of s with attrs merged over it. Values that cannot be
// coerced to their field type are skipped; callers that accept user input
// run NormalizeAttrs first.
func (s *Shape) Apply(attrs Attrs) *Shape {
	out := s.Clone()
	for f, v := range attrs {
		nv, err := NormalizeValue(f, v)
		if err != nil {
			continue
		}
		out.set(f, nv)
	}
	// lock flag mirrors the owner; a shape is locked iff it has one
	out.IsLocked = out.LockedBy != ""
	if !out.IsLocked {
		out.LockedByName = ""
	}
	return out
}

func (s *Shape) set(f Field, v any) {
	switch f {
	case FieldName:
		s.Name = v.(string)
	case FieldZIndex:
		s.ZIndex = v.(int)
	case FieldIsLocked:
		s.IsLocked = v.(bool)
	case FieldLockedBy:
		s.LockedBy = v.(string)
	case FieldLockedByName:
		s.LockedByName = v.(string)
	case FieldX:
		s.X = v.(float64)
	case FieldY:
		s.Y = v.(float64)
	case FieldWidth:
		s.Width = v.(float64)
	case FieldHeight:
		s.Height = v.(float64)
	case FieldRadius:
		s.Radius = v.(float64)
	case FieldRotation:
		s.Rotation = v.(float64)
	case FieldText:
		s.Text = v.(string)
	case FieldFontSize:
		s.FontSize = v.(float64)
	case FieldFontFamily:
		s.FontFamily = v.(string)
	case FieldX1:
		s.X1 = v.(float64)
	case FieldY1:
		s.Y1 = v.(float64)
	case FieldX2:
		s.X2 = v.(float64)
	case FieldY2:
		s.Y2 = v.(float64)
	case FieldOpacity:
		s.Opacity = v.(float64)
	case FieldFill:
		s.Fill = v.(string)
	case FieldStroke:
		s.Stroke = v.(string)
	case FieldStrokeWidth:
		s.StrokeWidth = v.(float64)
	}
}

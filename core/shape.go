package core

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type ShapeType string

const (
	TypeRectangle ShapeType = "rectangle"
	TypeCircle    ShapeType = "circle"
	TypeText      ShapeType = "text"
	TypeLine      ShapeType = "line"
)

// ShapeTypes lists every supported variant in a stable order.
var ShapeTypes = []ShapeType{TypeRectangle, TypeCircle, TypeText, TypeLine}

// Label is the human readable prefix used for generated names, e.g. "Rectangle".
func (t ShapeType) Label() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

func (t ShapeType) Valid() bool {
	for _, known := range ShapeTypes {
		if t == known {
			return true
		}
	}
	return false
}

type (
	// Shape is a tagged union over the supported variants. Rectangle and Text
	// anchor at their top-left corner, Circle at its center. Line ignores X, Y
	// and Rotation: its two endpoints are authoritative.
	Shape struct {
		ID           string    `json:"id"`
		Type         ShapeType `json:"type" validate:"required,oneof=rectangle circle text line"`
		Name         string    `json:"name"`
		ZIndex       int       `json:"zIndex"`
		IsLocked     bool      `json:"isLocked"`
		LockedBy     string    `json:"lockedBy,omitempty"`
		LockedByName string    `json:"lockedByName,omitempty"`

		X        float64 `json:"x,omitempty"`
		Y        float64 `json:"y,omitempty"`
		Width    float64 `json:"width,omitempty"`
		Height   float64 `json:"height,omitempty"`
		Radius   float64 `json:"radius,omitempty"`
		Rotation float64 `json:"rotation,omitempty"`

		Text       string  `json:"text,omitempty"`
		FontSize   float64 `json:"fontSize,omitempty"`
		FontFamily string  `json:"fontFamily,omitempty"`

		X1 float64 `json:"x1,omitempty"`
		Y1 float64 `json:"y1,omitempty"`
		X2 float64 `json:"x2,omitempty"`
		Y2 float64 `json:"y2,omitempty"`

		Opacity     float64 `json:"opacity" validate:"gte=0,lte=1"`
		Fill        string  `json:"fill,omitempty"`
		Stroke      string  `json:"stroke,omitempty"`
		StrokeWidth float64 `json:"strokeWidth,omitempty" validate:"gte=0"`

		CreatedBy string `json:"createdBy,omitempty"`
		CreatedAt int64  `json:"createdAt,omitempty"`
		UpdatedAt int64  `json:"updatedAt,omitempty"`

		// Render-only markers set by reconciliation for shapes another user is
		// dragging. Never persisted.
		IsDragging     bool   `json:"-"`
		DraggingBy     string `json:"-"`
		DraggingByName string `json:"-"`
	}

	// Position is the anchor of a shape: X/Y for anchored variants, both
	// endpoints for lines.
	Position struct {
		Line   bool
		X, Y   float64
		X1, Y1 float64
		X2, Y2 float64
	}
)

// NewID returns a globally unique, time ordered shape identifier.
func NewID() string {
	return ulid.Make().String()
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DefaultOpacity is used when a decoded shape carries no opacity.
const DefaultOpacity = 1.0

// UnmarshalJSON fills in DefaultOpacity when the opacity key is absent. An
// explicit 0 is kept.
func (s *Shape) UnmarshalJSON(data []byte) error {
	type plain Shape
	v := plain{Opacity: DefaultOpacity}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Shape(v)
	return nil
}

func (s *Shape) Clone() *Shape {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// LockedByOther reports whether the shape is held by a user other than userID.
func (s *Shape) LockedByOther(userID string) bool {
	return s.LockedBy != "" && s.LockedBy != userID
}

func (s *Shape) Position() Position {
	if s.Type == TypeLine {
		return Position{Line: true, X1: s.X1, Y1: s.Y1, X2: s.X2, Y2: s.Y2}
	}
	return Position{X: s.X, Y: s.Y}
}

func (p Position) Translate(dx, dy float64) Position {
	if p.Line {
		p.X1 += dx
		p.Y1 += dy
		p.X2 += dx
		p.Y2 += dy
		return p
	}
	p.X += dx
	p.Y += dy
	return p
}

func (p Position) Attrs() Attrs {
	if p.Line {
		return Attrs{FieldX1: p.X1, FieldY1: p.Y1, FieldX2: p.X2, FieldY2: p.Y2}
	}
	return Attrs{FieldX: p.X, FieldY: p.Y}
}

// SortShapes orders shapes by paint order: zIndex first, insertion after.
func SortShapes(shapes []*Shape) {
	sort.SliceStable(shapes, func(i, j int) bool {
		a, b := shapes[i], shapes[j]
		if a.ZIndex != b.ZIndex {
			return a.ZIndex < b.ZIndex
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// MaxZIndex returns the highest zIndex in shapes, or -1 when empty.
func MaxZIndex(shapes []*Shape) int {
	max := -1
	for i, s := range shapes {
		if i == 0 || s.ZIndex > max {
			max = s.ZIndex
		}
	}
	return max
}

// MinZIndex returns the lowest zIndex in shapes, or 0 when empty.
func MinZIndex(shapes []*Shape) int {
	min := 0
	for i, s := range shapes {
		if i == 0 || s.ZIndex < min {
			min = s.ZIndex
		}
	}
	return min
}

// LockAttrs is the partial update that marks a shape as held by userID.
func LockAttrs(userID, userName string) Attrs {
	return Attrs{FieldIsLocked: true, FieldLockedBy: userID, FieldLockedByName: userName}
}

// UnlockAttrs clears the lock fields.
func UnlockAttrs() Attrs {
	return Attrs{FieldIsLocked: false, FieldLockedBy: nil, FieldLockedByName: nil}
}

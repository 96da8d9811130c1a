package core

// PositionRecord is one ephemeral, last-write-wins broadcast of a shape being
// dragged or transformed by a remote user.
type PositionRecord struct {
	ShapeID        string   `json:"shapeId"`
	X              *float64 `json:"x,omitempty"`
	Y              *float64 `json:"y,omitempty"`
	Rotation       *float64 `json:"rotation,omitempty"`
	Width          *float64 `json:"width,omitempty"`
	Height         *float64 `json:"height,omitempty"`
	Radius         *float64 `json:"radius,omitempty"`
	FontSize       *float64 `json:"fontSize,omitempty"`
	X1             *float64 `json:"x1,omitempty"`
	Y1             *float64 `json:"y1,omitempty"`
	X2             *float64 `json:"x2,omitempty"`
	Y2             *float64 `json:"y2,omitempty"`
	DraggingBy     string   `json:"draggingBy"`
	DraggingByName string   `json:"draggingByName"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`
}

func ptr(v float64) *float64 { return &v }

// RecordFor captures the broadcastable geometry of s as dragged by userID.
func RecordFor(s *Shape, userID, userName string) PositionRecord {
	rec := PositionRecord{
		ShapeID:        s.ID,
		DraggingBy:     userID,
		DraggingByName: userName,
		UpdatedAt:      NowMillis(),
	}
	switch s.Type {
	case TypeLine:
		rec.X1, rec.Y1, rec.X2, rec.Y2 = ptr(s.X1), ptr(s.Y1), ptr(s.X2), ptr(s.Y2)
		return rec
	case TypeCircle:
		rec.Radius = ptr(s.Radius)
	case TypeText:
		rec.FontSize = ptr(s.FontSize)
		rec.Width = ptr(s.Width)
	default:
		rec.Width, rec.Height = ptr(s.Width), ptr(s.Height)
	}
	rec.X, rec.Y = ptr(s.X), ptr(s.Y)
	rec.Rotation = ptr(s.Rotation)
	return rec
}

// Attrs returns the geometry fields present in the record.
func (r PositionRecord) Attrs() Attrs {
	a := Attrs{}
	for f, v := range r.fields() {
		if v != nil {
			a[f] = *v
		}
	}
	return a
}

func (r PositionRecord) fields() map[Field]*float64 {
	return map[Field]*float64{
		FieldX:        r.X,
		FieldY:        r.Y,
		FieldRotation: r.Rotation,
		FieldWidth:    r.Width,
		FieldHeight:   r.Height,
		FieldRadius:   r.Radius,
		FieldFontSize: r.FontSize,
		FieldX1:       r.X1,
		FieldY1:       r.Y1,
		FieldX2:       r.X2,
		FieldY2:       r.Y2,
	}
}

// Equal compares every field of two records. UpdatedAt is ignored so that a
// re-broadcast of an unchanged position is not treated as a change.
func (r PositionRecord) Equal(o PositionRecord) bool {
	if r.ShapeID != o.ShapeID || r.DraggingBy != o.DraggingBy || r.DraggingByName != o.DraggingByName {
		return false
	}
	of := o.fields()
	for f, v := range r.fields() {
		w := of[f]
		if (v == nil) != (w == nil) {
			return false
		}
		if v != nil && *v != *w {
			return false
		}
	}
	return true
}

// RecordsEqual checks size first, then every record by id.
func RecordsEqual(a, b map[string]PositionRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ra := range a {
		rb, ok := b[id]
		if !ok || !ra.Equal(rb) {
			return false
		}
	}
	return true
}

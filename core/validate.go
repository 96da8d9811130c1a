package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// Minimum geometry accepted for a shape; smaller resizes are rejected.
const (
	MinSize     = 5.0
	MinRadius   = 2.5
	MinFontSize = 6.0
	MinLength   = 1.0
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(shapeStructLevel, Shape{})
	return v
}

func shapeStructLevel(sl validator.StructLevel) {
	s := sl.Current().Interface().(Shape)
	switch s.Type {
	case TypeRectangle:
		if s.Width < MinSize {
			sl.ReportError(s.Width, "width", "Width", "minsize", fmt.Sprint(MinSize))
		}
		if s.Height < MinSize {
			sl.ReportError(s.Height, "height", "Height", "minsize", fmt.Sprint(MinSize))
		}
	case TypeCircle:
		if s.Radius < MinRadius {
			sl.ReportError(s.Radius, "radius", "Radius", "minsize", fmt.Sprint(MinRadius))
		}
	case TypeText:
		if s.FontSize < MinFontSize {
			sl.ReportError(s.FontSize, "fontSize", "FontSize", "minsize", fmt.Sprint(MinFontSize))
		}
	case TypeLine:
		if math.Hypot(s.X2-s.X1, s.Y2-s.Y1) < MinLength {
			sl.ReportError(s.X2, "x2", "X2", "minlength", fmt.Sprint(MinLength))
		}
	}
	if s.LockedBy == "" && s.LockedByName != "" {
		sl.ReportError(s.LockedByName, "lockedByName", "LockedByName", "lockowner", "")
	}
}

// ValidateShape checks a complete shape.
func ValidateShape(s *Shape) error {
	if s == nil {
		return &ValidationError{Field: "shape", Reason: "missing"}
	}
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s %s", fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "shape", Reason: err.Error()}
}

// ValidateAttrs normalises attrs and checks that applying them to current
// keeps the shape valid. It returns the normalised attrs.
func ValidateAttrs(current *Shape, attrs Attrs) (Attrs, error) {
	norm, err := NormalizeAttrs(attrs)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return norm, nil
	}
	if err := ValidateShape(current.Apply(norm)); err != nil {
		return nil, err
	}
	return norm, nil
}

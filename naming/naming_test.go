package naming

import (
	"testing"

	"shapesync/core"
)

func named(t core.ShapeType, name string) *core.Shape {
	return &core.Shape{ID: name, Type: t, Name: name}
}

func TestCounters_MonotonicAfterDelete(t *testing.T) {
	c := NewCounters()
	c.Observe([]*core.Shape{
		named(core.TypeRectangle, "Rectangle 1"),
		named(core.TypeRectangle, "Rectangle 2"),
		named(core.TypeCircle, "Circle 7"),
	})
	if got := c.Next(core.TypeRectangle); got != "Rectangle 3" {
		t.Fatalf("Next() = %s, want Rectangle 3", got)
	}

	// "Rectangle 2" and "Rectangle 3" were deleted
	c.Observe([]*core.Shape{named(core.TypeRectangle, "Rectangle 1")})
	if got := c.Next(core.TypeRectangle); got != "Rectangle 4" {
		t.Errorf("Next() = %s, want Rectangle 4", got)
	}
	if got := c.Next(core.TypeCircle); got != "Circle 8" {
		t.Errorf("Next() = %s, want Circle 8", got)
	}
	if got := c.Next(core.TypeText); got != "Text 1" {
		t.Errorf("Next() = %s, want Text 1", got)
	}
}

func TestCounters_IgnoresOtherNames(t *testing.T) {
	c := NewCounters()
	c.Observe([]*core.Shape{
		named(core.TypeRectangle, "Rectangle 9 Copy"),
		named(core.TypeRectangle, "Rectangle 05"),
		named(core.TypeRectangle, "Logo"),
		named(core.TypeLine, "Rectangle 40"),
	})
	if got := c.High(core.TypeRectangle); got != 0 {
		t.Errorf("High() = %d, want 0", got)
	}
}

func TestSuffix(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"Rectangle 1", 1, true},
		{"Rectangle 12", 12, true},
		{"Rectangle", 0, false},
		{"Rectangle 0", 0, false},
		{"Rectangle -1", 0, false},
		{"rectangle 3", 0, false},
	}
	for _, tt := range tests {
		got, ok := Suffix(core.TypeRectangle, tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Suffix(%q) = %d, %v, want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCopyName(t *testing.T) {
	tests := []struct {
		name  string
		taken []string
		want  string
	}{
		{"Rectangle 1", nil, "Rectangle 1 Copy"},
		{"Rectangle 1 Copy", nil, "Rectangle 1 Copy 2"},
		{"Rectangle 1 Copy 2", nil, "Rectangle 1 Copy 3"},
		{"Rectangle 1", []string{"Rectangle 1 Copy", "Rectangle 1 Copy 2"}, "Rectangle 1 Copy 3"},
		{"Rectangle 1 Copy", []string{"Rectangle 1 Copy 2"}, "Rectangle 1 Copy 3"},
		{"Copy", nil, "Copy Copy"},
		{"Notes Copy 1", nil, "Notes Copy 1 Copy"},
	}
	for _, tt := range tests {
		taken := map[string]bool{}
		for _, n := range tt.taken {
			taken[n] = true
		}
		got := CopyName(tt.name, func(n string) bool { return taken[n] })
		if got != tt.want {
			t.Errorf("CopyName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNameSet(t *testing.T) {
	set := NameSet([]*core.Shape{named(core.TypeText, "Text 1")})
	if !set["Text 1"] || set["Text 2"] {
		t.Errorf("NameSet() = %v", set)
	}
}

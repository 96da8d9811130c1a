// Package naming generates display names: "<Type> N" for new shapes and
// "<name> Copy", "<name> Copy 2", ... for duplicates.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"shapesync/core"
)

// Counters tracks the highest numeric suffix seen per shape type. The value
// only ever grows, so a name freed by a delete is never handed out again.
type Counters struct {
	mu   sync.Mutex
	high map[core.ShapeType]int
}

func NewCounters() *Counters {
	return &Counters{high: make(map[core.ShapeType]int)}
}

// Suffix parses "<Label> N" and returns N.
func Suffix(t core.ShapeType, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, t.Label()+" ")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || strconv.Itoa(n) != rest {
		return 0, false
	}
	return n, true
}

// Observe raises the counters from a snapshot.
func (c *Counters) Observe(shapes []*core.Shape) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range shapes {
		if n, ok := Suffix(s.Type, s.Name); ok && n > c.high[s.Type] {
			c.high[s.Type] = n
		}
	}
}

// Next reserves and returns the next name for t.
func (c *Counters) Next(t core.ShapeType) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.high[t]++
	return fmt.Sprintf("%s %d", t.Label(), c.high[t])
}

// High returns the current high-water mark for t.
func (c *Counters) High(t core.ShapeType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.high[t]
}

// splitCopy separates "X Copy" / "X Copy N" into X and the copy number.
// Names without a copy suffix return number 0.
func splitCopy(name string) (stem string, n int) {
	if stem, ok := strings.CutSuffix(name, " Copy"); ok && stem != "" {
		return stem, 1
	}
	i := strings.LastIndex(name, " Copy ")
	if i <= 0 {
		return name, 0
	}
	num := name[i+len(" Copy "):]
	v, err := strconv.Atoi(num)
	if err != nil || v < 2 || strconv.Itoa(v) != num {
		return name, 0
	}
	return name[:i], v
}

func copyName(stem string, n int) string {
	if n == 1 {
		return stem + " Copy"
	}
	return fmt.Sprintf("%s Copy %d", stem, n)
}

// CopyName returns the name for a duplicate of name. An existing copy
// suffix is incremented rather than stacked; names already taken are
// skipped.
func CopyName(name string, taken func(string) bool) string {
	stem, n := splitCopy(name)
	if taken == nil {
		taken = func(string) bool { return false }
	}
	for next := n + 1; ; next++ {
		candidate := copyName(stem, next)
		if !taken(candidate) {
			return candidate
		}
	}
}

// NameSet is a helper for CopyName over a snapshot.
func NameSet(shapes []*core.Shape) map[string]bool {
	out := make(map[string]bool, len(shapes))
	for _, s := range shapes {
		out[s.Name] = true
	}
	return out
}

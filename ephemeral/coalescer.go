// Package ephemeral handles the high frequency position stream: it batches
// incoming records to at most one update per frame and throttles outgoing
// publishes.
package ephemeral

import (
	"sync"
	"time"

	"shapesync/core"
)

// DefaultFrame is one frame at 60 fps.
const DefaultFrame = 16 * time.Millisecond

// Coalescer buffers record maps arriving from the network and hands the
// latest one to onPositions at most once per frame. Records for shapes the
// local user is dragging are dropped, and an unchanged map is not
// re-delivered.
type Coalescer struct {
	localUserID string
	frame       time.Duration
	onPositions func(map[string]core.PositionRecord)

	mu      sync.Mutex
	pending map[string]core.PositionRecord
	dirty   bool
	last    map[string]core.PositionRecord

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewCoalescer(localUserID string, frame time.Duration, onPositions func(map[string]core.PositionRecord)) *Coalescer {
	if frame <= 0 {
		frame = DefaultFrame
	}
	return &Coalescer{
		localUserID: localUserID,
		frame:       frame,
		onPositions: onPositions,
		last:        map[string]core.PositionRecord{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Push replaces the pending map. It never blocks on the consumer.
func (c *Coalescer) Push(records map[string]core.PositionRecord) {
	c.mu.Lock()
	c.pending = records
	c.dirty = true
	c.mu.Unlock()
}

// Flush delivers the pending map now if it differs from the last delivered
// one, and reports whether it did.
func (c *Coalescer) Flush() bool {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return false
	}
	c.dirty = false
	next := make(map[string]core.PositionRecord, len(c.pending))
	for id, rec := range c.pending {
		if rec.DraggingBy == c.localUserID {
			continue
		}
		next[id] = rec
	}
	c.pending = nil
	if core.RecordsEqual(c.last, next) {
		c.mu.Unlock()
		return false
	}
	c.last = next
	c.mu.Unlock()

	out := make(map[string]core.PositionRecord, len(next))
	for id, rec := range next {
		out[id] = rec
	}
	if c.onPositions != nil {
		c.onPositions(out)
	}
	return true
}

// Latest returns a copy of the last delivered map.
func (c *Coalescer) Latest() map[string]core.PositionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.PositionRecord, len(c.last))
	for id, rec := range c.last {
		out[id] = rec
	}
	return out
}

// Start flushes on every frame tick until Close.
func (c *Coalescer) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.frame)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
}

// Close stops the ticker started by Start. It is safe to call more than
// once, and without Start.
func (c *Coalescer) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

// Wait blocks until the goroutine started by Start has exited.
func (c *Coalescer) Wait() {
	<-c.done
}

package ephemeral

import (
	"context"
	"sync"
	"time"

	"shapesync/core"
)

// Throttle limits outgoing records to one per shape per interval. Records
// inside the window are dropped; the canonical write at the end of a drag
// carries the final position anyway.
type Throttle struct {
	ch       core.PositionChannel
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewThrottle(ch core.PositionChannel, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultFrame
	}
	return &Throttle{ch: ch, interval: interval, now: time.Now, sent: make(map[string]time.Time)}
}

// Publish sends rec unless one for the same shape went out within the
// interval. It reports whether the record was sent.
func (t *Throttle) Publish(ctx context.Context, rec core.PositionRecord) (bool, error) {
	t.mu.Lock()
	now := t.now()
	if last, ok := t.sent[rec.ShapeID]; ok && now.Sub(last) < t.interval {
		t.mu.Unlock()
		return false, nil
	}
	t.sent[rec.ShapeID] = now
	t.mu.Unlock()

	if err := t.ch.Publish(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Clear withdraws the record for shapeID and resets its window.
func (t *Throttle) Clear(ctx context.Context, shapeID string) error {
	t.mu.Lock()
	delete(t.sent, shapeID)
	t.mu.Unlock()
	return t.ch.Clear(ctx, shapeID)
}

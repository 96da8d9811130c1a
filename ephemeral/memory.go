package ephemeral

import (
	"context"
	"sync"

	"shapesync/core"
)

// MemoryChannel is an in-process PositionChannel. It keeps the latest record
// per shape and hands every subscriber the full map on each change.
// Subscribers are called synchronously, in the order the changes happened,
// and must not call back into the channel.
type MemoryChannel struct {
	// deliver is held from a change until every subscriber has seen it.
	deliver sync.Mutex
	mu      sync.Mutex
	records map[string]core.PositionRecord
	subs    map[int]func(map[string]core.PositionRecord)
	nextID  int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		records: make(map[string]core.PositionRecord),
		subs:    make(map[int]func(map[string]core.PositionRecord)),
	}
}

func (m *MemoryChannel) Publish(ctx context.Context, rec core.PositionRecord) error {
	m.deliver.Lock()
	defer m.deliver.Unlock()
	m.mu.Lock()
	m.records[rec.ShapeID] = rec
	m.broadcastLocked()
	return nil
}

func (m *MemoryChannel) Clear(ctx context.Context, shapeID string) error {
	m.deliver.Lock()
	defer m.deliver.Unlock()
	m.mu.Lock()
	if _, ok := m.records[shapeID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, shapeID)
	m.broadcastLocked()
	return nil
}

// ClearUser drops every record published by userID and returns how many
// were removed.
func (m *MemoryChannel) ClearUser(ctx context.Context, userID string) (int, error) {
	m.deliver.Lock()
	defer m.deliver.Unlock()
	m.mu.Lock()
	n := 0
	for id, rec := range m.records {
		if rec.DraggingBy == userID {
			delete(m.records, id)
			n++
		}
	}
	if n == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.broadcastLocked()
	return n, nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context, onRecords func(map[string]core.PositionRecord)) (func(), error) {
	m.deliver.Lock()
	defer m.deliver.Unlock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = onRecords
	snapshot := m.copyLocked()
	m.mu.Unlock()

	onRecords(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// Records returns a copy of the current map.
func (m *MemoryChannel) Records() map[string]core.PositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *MemoryChannel) copyLocked() map[string]core.PositionRecord {
	out := make(map[string]core.PositionRecord, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out
}

// broadcastLocked copies the state, releases m.mu and notifies subscribers.
// The caller holds m.deliver.
func (m *MemoryChannel) broadcastLocked() {
	snapshot := m.copyLocked()
	subs := make([]func(map[string]core.PositionRecord), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}

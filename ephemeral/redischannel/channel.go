// Package redischannel carries position records over Redis pub/sub. The
// latest record per shape is also kept in a hash so a subscriber that joins
// mid-drag starts from the current positions.
package redischannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shapesync/core"
)

// DefaultTTL bounds how long an abandoned record survives in the hash when
// its publisher disappears without clearing it.
const DefaultTTL = 30 * time.Second

const (
	opSet   = "set"
	opClear = "clear"
)

type message struct {
	Op      string               `json:"op"`
	ShapeID string               `json:"shapeId"`
	Record  *core.PositionRecord `json:"record,omitempty"`
}

type Channel struct {
	rdb    *redis.Client
	canvas string
	ttl    time.Duration
}

func New(rdb *redis.Client, canvas string, ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Channel{rdb: rdb, canvas: canvas, ttl: ttl}
}

func (c *Channel) Publish(ctx context.Context, rec core.PositionRecord) error {
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = core.NowMillis()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msg, err := json.Marshal(message{Op: opSet, ShapeID: rec.ShapeID, Record: &rec})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx := c.rdb.TxPipeline()
	tx.HSet(ctx, latestKey(c.canvas), rec.ShapeID, data)
	tx.Expire(ctx, latestKey(c.canvas), c.ttl)
	tx.Publish(ctx, channelKey(c.canvas), msg)
	if _, err := tx.Exec(ctx); err != nil {
		return core.Transient("publish position", err)
	}
	return nil
}

func (c *Channel) Clear(ctx context.Context, shapeID string) error {
	return c.clear(ctx, []string{shapeID})
}

func (c *Channel) clear(ctx context.Context, shapeIDs []string) error {
	if len(shapeIDs) == 0 {
		return nil
	}
	tx := c.rdb.TxPipeline()
	tx.HDel(ctx, latestKey(c.canvas), shapeIDs...)
	for _, id := range shapeIDs {
		msg, err := json.Marshal(message{Op: opClear, ShapeID: id})
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		tx.Publish(ctx, channelKey(c.canvas), msg)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return core.Transient("clear position", err)
	}
	return nil
}

// ClearUser withdraws every record published by userID and returns how many
// were removed. Used when a client disconnects mid-drag.
func (c *Channel) ClearUser(ctx context.Context, userID string) (int, error) {
	records, err := c.latest(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for id, rec := range records {
		if rec.DraggingBy == userID {
			ids = append(ids, id)
		}
	}
	if err := c.clear(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *Channel) latest(ctx context.Context) (map[string]core.PositionRecord, error) {
	raw, err := c.rdb.HGetAll(ctx, latestKey(c.canvas)).Result()
	if err != nil && err != redis.Nil {
		return nil, core.Transient("load positions", err)
	}
	records := make(map[string]core.PositionRecord, len(raw))
	for id, data := range raw {
		var rec core.PositionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			logrus.WithError(err).WithField("shape_id", id).Warn("Skipping malformed position record")
			continue
		}
		records[id] = rec
	}
	return records, nil
}

// Subscribe confirms the subscription, seeds the map from the hash and then
// applies every message. ctx only bounds the setup; the subscription lives
// until unsubscribe is called.
func (c *Channel) Subscribe(ctx context.Context, onRecords func(map[string]core.PositionRecord)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, channelKey(c.canvas))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, core.Transient("subscribe positions", err)
	}
	records, err := c.latest(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	onRecords(copyRecords(records))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range sub.Channel() {
			var msg message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logrus.WithError(err).Warn("Skipping malformed position message")
				continue
			}
			switch msg.Op {
			case opSet:
				if msg.Record == nil {
					continue
				}
				records[msg.ShapeID] = *msg.Record
			case opClear:
				if _, ok := records[msg.ShapeID]; !ok {
					continue
				}
				delete(records, msg.ShapeID)
			default:
				continue
			}
			onRecords(copyRecords(records))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			<-done
		})
	}, nil
}

func copyRecords(in map[string]core.PositionRecord) map[string]core.PositionRecord {
	out := make(map[string]core.PositionRecord, len(in))
	for id, rec := range in {
		out[id] = rec
	}
	return out
}

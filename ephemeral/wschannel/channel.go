// Package wschannel is the client side of the server's /ws/positions relay.
package wschannel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shapesync/core"
)

const writeWait = 5 * time.Second

// The wire shapes match handlers/websocket.
type (
	clientMessage struct {
		Op      string               `json:"op"`
		ShapeID string               `json:"shapeId,omitempty"`
		Record  *core.PositionRecord `json:"record,omitempty"`
	}

	positionsMessage struct {
		Type    string                         `json:"type"`
		Records map[string]core.PositionRecord `json:"records"`
	}
)

type Channel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	latest map[string]core.PositionRecord
	subs   map[int]func(map[string]core.PositionRecord)
	nextID int

	done chan struct{}
	once sync.Once
}

// Dial connects to a relay endpoint such as ws://host:3002/ws/positions.
// The token is sent as a bearer header.
func Dial(ctx context.Context, endpoint, token string) (*Channel, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, core.Transient("dial positions", err)
	}
	c := &Channel{
		conn:   conn,
		latest: map[string]core.PositionRecord{},
		subs:   make(map[int]func(map[string]core.PositionRecord)),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		var msg positionsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithError(err).Warn("Positions relay connection lost")
			}
			return
		}
		if msg.Type != "positions" {
			continue
		}
		if msg.Records == nil {
			msg.Records = map[string]core.PositionRecord{}
		}

		c.mu.Lock()
		c.latest = msg.Records
		subs := make([]func(map[string]core.PositionRecord), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(copyRecords(msg.Records))
		}
	}
}

func (c *Channel) write(msg clientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return core.Transient("write positions", err)
	}
	return nil
}

// Publish sends rec to the relay. The relay stamps the sender identity.
func (c *Channel) Publish(ctx context.Context, rec core.PositionRecord) error {
	return c.write(clientMessage{Op: "set", ShapeID: rec.ShapeID, Record: &rec})
}

func (c *Channel) Clear(ctx context.Context, shapeID string) error {
	return c.write(clientMessage{Op: "clear", ShapeID: shapeID})
}

func (c *Channel) Subscribe(ctx context.Context, onRecords func(map[string]core.PositionRecord)) (func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = onRecords
	current := copyRecords(c.latest)
	c.mu.Unlock()

	onRecords(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}, nil
}

// Done is closed once the connection is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func copyRecords(in map[string]core.PositionRecord) map[string]core.PositionRecord {
	out := make(map[string]core.PositionRecord, len(in))
	for id, rec := range in {
		out[id] = rec
	}
	return out
}

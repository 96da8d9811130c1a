package websocket

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"shapesync/core"
	"shapesync/handlers/auth"
	"shapesync/presence"
)

const cleanupTimeout = 10 * time.Second

type ackFunc = func([]any, error)

type member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Collab runs the socket.io rooms that carry presence. A socket joins a
// room with a token; when a user's last socket goes away the cleaner
// releases every lock the user still holds.
type Collab struct {
	srv     *socketio.Server
	tracker presence.Tracker
	cleaner core.PresenceCleaner

	mu      sync.Mutex
	sockets map[socketio.SocketId]member
	rooms   map[string]map[socketio.SocketId]bool
}

// SetupSocketIO builds the server. tracker and cleaner may be nil.
func SetupSocketIO(tracker presence.Tracker, cleaner core.PresenceCleaner) *Collab {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(1000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin:      []any{localhostOrigin},
		Credentials: true,
	})

	c := newCollab(tracker, cleaner)
	c.srv = socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	c.srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		c.handle(socket)
	})
	return c
}

func newCollab(tracker presence.Tracker, cleaner core.PresenceCleaner) *Collab {
	return &Collab{
		tracker: tracker,
		cleaner: cleaner,
		sockets: make(map[socketio.SocketId]member),
		rooms:   make(map[string]map[socketio.SocketId]bool),
	}
}

func (c *Collab) Server() *socketio.Server { return c.srv }

func (c *Collab) Close() {
	if c.srv != nil {
		c.srv.Close(nil)
	}
}

// ActiveRooms returns the number of sockets per room.
func (c *Collab) ActiveRooms() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.rooms))
	for id, sockets := range c.rooms {
		out[id] = len(sockets)
	}
	return out
}

func (c *Collab) handle(socket *socketio.Socket) {
	me := socket.Id()
	log := logrus.WithField("socket_id", me)
	_ = socket.Emit("init-room")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("join-room", func(datas ...any) {
		ack, args := extractAck(datas)
		roomID, token := stringArg(args, 0), stringArg(args, 1)
		if roomID == "" {
			respond(socket, ack, "join-room-ack", nil, fmt.Errorf("room id is required"))
			return
		}
		claims, err := auth.ParseJWT(token)
		if err != nil {
			respond(socket, ack, "join-room-ack", nil, fmt.Errorf("invalid token"))
			return
		}

		m := member{UserID: claims.UserID(), Name: claims.Name}
		room := socketio.Room(roomID)
		socket.Join(room)
		members := c.join(me, roomID, m)
		if c.tracker != nil {
			if err := c.tracker.Join(context.Background(), m.UserID, m.Name); err != nil {
				log.WithError(err).Warn("Failed to record presence")
			}
		}
		log.WithFields(logrus.Fields{"room": roomID, "user_id": m.UserID}).Info("Socket joined room")

		if len(members) <= 1 {
			_ = socket.Emit("first-in-room")
		} else {
			_ = socket.Broadcast().To(room).Emit("new-user", m)
		}
		_ = c.srv.In(room).Emit("room-user-change", members)
		respond(socket, ack, "join-room-ack", map[string]any{"status": "ok", "user_count": len(members)}, nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("heartbeat", func(datas ...any) {
		m, ok := c.member(me)
		if !ok || c.tracker == nil {
			return
		}
		if err := c.tracker.Join(context.Background(), m.UserID, m.Name); err != nil {
			log.WithError(err).Debug("Failed to refresh presence")
		}
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnecting", func(datas ...any) {
		userID, remaining, last := c.leave(me)
		for roomID, members := range remaining {
			if len(members) > 0 {
				_ = c.srv.In(socketio.Room(roomID)).Emit("room-user-change", members)
			}
		}
		if userID == "" || !last {
			return
		}
		log.WithField("user_id", userID).Info("Last socket of user left, releasing locks")
		c.release(userID)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("disconnect", func(datas ...any) {
		socket.RemoveAllListeners("")
	})
}

func (c *Collab) release(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if c.cleaner != nil {
		if err := c.cleaner.ReleaseUser(ctx, userID); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": userID, "error": err}).Warn("Failed to clean up after disconnect")
		}
		return
	}
	if c.tracker != nil {
		_ = c.tracker.MarkOffline(ctx, userID)
	}
}

// join records the socket in roomID and returns the room's members.
func (c *Collab) join(id socketio.SocketId, roomID string, m member) []member {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets[id] = m
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = make(map[socketio.SocketId]bool)
	}
	c.rooms[roomID][id] = true
	return c.membersLocked(roomID)
}

// leave forgets the socket. It returns the socket's user, the members left
// in each room it was in, and whether that user has no sockets left.
func (c *Collab) leave(id socketio.SocketId) (userID string, remaining map[string][]member, last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sockets[id]
	if !ok {
		return "", nil, false
	}
	delete(c.sockets, id)

	remaining = make(map[string][]member)
	for roomID, sockets := range c.rooms {
		if !sockets[id] {
			continue
		}
		delete(sockets, id)
		if len(sockets) == 0 {
			delete(c.rooms, roomID)
		}
		remaining[roomID] = c.membersLocked(roomID)
	}

	for _, other := range c.sockets {
		if other.UserID == m.UserID {
			return m.UserID, remaining, false
		}
	}
	return m.UserID, remaining, true
}

func (c *Collab) member(id socketio.SocketId) (member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sockets[id]
	return m, ok
}

// membersLocked lists distinct users in roomID ordered by user id.
func (c *Collab) membersLocked(roomID string) []member {
	seen := make(map[string]bool)
	var out []member
	for id := range c.rooms[roomID] {
		m := c.sockets[id]
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// extractAck splits a trailing acknowledgement callback off the event
// arguments.
func extractAck(datas []any) (ackFunc, []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	if ack, ok := datas[len(datas)-1].(ackFunc); ok {
		return ack, datas[:len(datas)-1]
	}
	return nil, datas
}

func stringArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

func respond(socket *socketio.Socket, ack ackFunc, event string, payload map[string]any, err error) {
	if err != nil {
		payload = map[string]any{"status": "error", "error": err.Error()}
	}
	if ack != nil {
		ack([]any{payload}, err)
	}
	if event != "" {
		_ = socket.Emit(event, payload)
	}
}

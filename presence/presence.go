// Package presence tracks which users are online on a canvas and cleans up
// after users that leave.
package presence

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shapesync/core"
)

const DefaultTTL = 30 * time.Second

type Member struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Tracker records online users. Join doubles as the heartbeat: calling it
// again pushes the expiry out by another TTL.
type Tracker interface {
	Join(ctx context.Context, userID, name string) error
	MarkOffline(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]Member, error)
}

// RedisTracker keeps members in a ZSet scored by expiry time. Expired
// members are swept whenever the list is read.
type RedisTracker struct {
	rdb    *redis.Client
	canvas string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisTracker(rdb *redis.Client, canvas string, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{rdb: rdb, canvas: canvas, ttl: ttl, now: time.Now}
}

func (r *RedisTracker) Join(ctx context.Context, userID, name string) error {
	expireAt := r.now().Add(r.ttl).Unix()
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, membersKey(r.canvas), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(r.canvas), userID, name)
	if _, err := tx.Exec(ctx); err != nil {
		return core.Transient("presence join", err)
	}
	return nil
}

func (r *RedisTracker) MarkOffline(ctx context.Context, userID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, membersKey(r.canvas), userID)
	tx.HDel(ctx, namesKey(r.canvas), userID)
	if _, err := tx.Exec(ctx); err != nil {
		return core.Transient("presence leave", err)
	}
	return nil
}

// KEYS[1] members, KEYS[2] names, ARGV[1] now (unix seconds)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (r *RedisTracker) Online(ctx context.Context) ([]Member, error) {
	now := r.now().Unix()
	keys := []string{membersKey(r.canvas), namesKey(r.canvas)}
	if err := sweepScript.Run(ctx, r.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, core.Transient("presence sweep", err)
	}

	ids, err := r.rdb.ZRangeByScore(ctx, membersKey(r.canvas), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, core.Transient("presence list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	names, err := r.rdb.HMGet(ctx, namesKey(r.canvas), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, core.Transient("presence names", err)
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		name, _ := names[i].(string)
		members = append(members, Member{UserID: id, Name: name})
	}
	return members, nil
}

// MemoryTracker is the single process Tracker.
type MemoryTracker struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	members map[string]memoryMember
}

type memoryMember struct {
	name     string
	expireAt time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{ttl: ttl, now: time.Now, members: make(map[string]memoryMember)}
}

func (m *MemoryTracker) Join(ctx context.Context, userID, name string) error {
	m.mu.Lock()
	m.members[userID] = memoryMember{name: name, expireAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) MarkOffline(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.members, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Online(ctx context.Context) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Member
	for id, mem := range m.members {
		if !now.Before(mem.expireAt) {
			delete(m.members, id)
			continue
		}
		out = append(out, Member{UserID: id, Name: mem.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

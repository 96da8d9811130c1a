package ephemeral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shapesync/core"
)

func f(v float64) *float64 { return &v }

func rec(id, by string, x float64) core.PositionRecord {
	return core.PositionRecord{ShapeID: id, X: f(x), Y: f(0), DraggingBy: by}
}

type recorder struct {
	mu    sync.Mutex
	calls []map[string]core.PositionRecord
}

func (r *recorder) on(m map[string]core.PositionRecord) {
	r.mu.Lock()
	r.calls = append(r.calls, m)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCoalescer_OncePerFrame(t *testing.T) {
	r := &recorder{}
	c := NewCoalescer("alice", time.Hour, r.on)

	for i := 0; i < 50; i++ {
		c.Push(map[string]core.PositionRecord{"a": rec("a", "bob", float64(i))})
	}
	if !c.Flush() {
		t.Fatal("Flush() did not deliver")
	}
	if r.count() != 1 {
		t.Fatalf("delivered %d times, want 1", r.count())
	}
	if got := *r.calls[0]["a"].X; got != 49 {
		t.Errorf("delivered x = %v, want latest 49", got)
	}
	if c.Flush() {
		t.Error("Flush() without new input delivered again")
	}
}

func TestCoalescer_SkipsUnchanged(t *testing.T) {
	r := &recorder{}
	c := NewCoalescer("alice", time.Hour, r.on)

	c.Push(map[string]core.PositionRecord{"a": rec("a", "bob", 1)})
	c.Flush()
	same := rec("a", "bob", 1)
	same.UpdatedAt = 12345
	c.Push(map[string]core.PositionRecord{"a": same})
	if c.Flush() {
		t.Error("identical records should not be re-delivered")
	}
	c.Push(map[string]core.PositionRecord{"a": rec("a", "bob", 2)})
	if !c.Flush() {
		t.Error("changed record should be delivered")
	}
	c.Push(map[string]core.PositionRecord{})
	if !c.Flush() {
		t.Error("cleared map should be delivered")
	}
	if r.count() != 3 {
		t.Errorf("delivered %d times, want 3", r.count())
	}
}

func TestCoalescer_FiltersLocalUser(t *testing.T) {
	r := &recorder{}
	c := NewCoalescer("alice", time.Hour, r.on)

	c.Push(map[string]core.PositionRecord{"mine": rec("mine", "alice", 1)})
	if c.Flush() {
		t.Error("own records alone should produce no update")
	}
	c.Push(map[string]core.PositionRecord{"mine": rec("mine", "alice", 2), "theirs": rec("theirs", "bob", 3)})
	c.Flush()
	latest := c.Latest()
	if _, ok := latest["mine"]; ok {
		t.Error("own record was delivered")
	}
	if _, ok := latest["theirs"]; !ok {
		t.Error("remote record missing")
	}
}

func TestCoalescer_TickerDelivers(t *testing.T) {
	delivered := make(chan struct{}, 1)
	c := NewCoalescer("alice", time.Millisecond, func(map[string]core.PositionRecord) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	})
	c.Start()
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Push(map[string]core.PositionRecord{"a": rec("a", "bob", 1)})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("ticker did not flush")
	}
}

type countingChannel struct {
	*MemoryChannel
	publishes atomic.Int32
	fail      error
}

func (c *countingChannel) Publish(ctx context.Context, r core.PositionRecord) error {
	c.publishes.Add(1)
	if c.fail != nil {
		return c.fail
	}
	return c.MemoryChannel.Publish(ctx, r)
}

func TestThrottle(t *testing.T) {
	ch := &countingChannel{MemoryChannel: NewMemoryChannel()}
	th := NewThrottle(ch, 100*time.Millisecond)
	now := time.Unix(0, 0)
	th.now = func() time.Time { return now }
	ctx := context.Background()

	if sent, _ := th.Publish(ctx, rec("a", "alice", 1)); !sent {
		t.Error("first record should be sent")
	}
	now = now.Add(50 * time.Millisecond)
	if sent, _ := th.Publish(ctx, rec("a", "alice", 2)); sent {
		t.Error("record inside the window should be dropped")
	}
	if sent, _ := th.Publish(ctx, rec("b", "alice", 2)); !sent {
		t.Error("other shapes have their own window")
	}
	now = now.Add(50 * time.Millisecond)
	if sent, _ := th.Publish(ctx, rec("a", "alice", 3)); !sent {
		t.Error("record after the window should be sent")
	}
	if err := th.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if sent, _ := th.Publish(ctx, rec("a", "alice", 4)); !sent {
		t.Error("Clear() should reset the window")
	}
	if n := ch.publishes.Load(); n != 4 {
		t.Errorf("channel saw %d publishes, want 4", n)
	}

	ch.fail = errors.New("down")
	now = now.Add(time.Second)
	if _, err := th.Publish(ctx, rec("a", "alice", 5)); err == nil {
		t.Error("Publish() should surface channel errors")
	}
}

func TestMemoryChannel(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	_ = ch.Publish(ctx, rec("a", "bob", 1))

	r := &recorder{}
	unsubscribe, err := ch.Subscribe(ctx, r.on)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if r.count() != 1 || len(r.calls[0]) != 1 {
		t.Fatalf("initial delivery = %v", r.calls)
	}

	_ = ch.Publish(ctx, rec("b", "carol", 2))
	_ = ch.Clear(ctx, "a")
	_ = ch.Clear(ctx, "missing")
	if r.count() != 3 {
		t.Errorf("deliveries = %d, want 3", r.count())
	}
	if n, _ := ch.ClearUser(ctx, "carol"); n != 1 {
		t.Errorf("ClearUser() = %d, want 1", n)
	}
	if len(ch.Records()) != 0 {
		t.Errorf("Records() = %v, want empty", ch.Records())
	}

	unsubscribe()
	unsubscribe()
	_ = ch.Publish(ctx, rec("c", "bob", 1))
	if r.count() != 4 {
		t.Errorf("deliveries after unsubscribe = %d, want 4", r.count())
	}
}

func TestMemoryChannel_DeliversInOrder(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	_ = ch.Publish(ctx, rec("b", "bob", 1))

	var (
		mu      sync.Mutex
		last    map[string]core.PositionRecord
		gated   bool
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	_, err := ch.Subscribe(ctx, func(records map[string]core.PositionRecord) {
		mu.Lock()
		_, hasA := records["a"]
		wait := hasA && !gated
		if wait {
			gated = true
		}
		mu.Unlock()
		if wait {
			close(entered)
			<-release
		}
		mu.Lock()
		last = records
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = ch.Publish(ctx, rec("a", "alice", 1))
	}()
	<-entered
	go func() {
		defer wg.Done()
		_ = ch.Clear(ctx, "b")
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if _, ok := last["b"]; ok {
		t.Errorf("subscriber still shows cleared record b: %v", last)
	}
	if len(last) != len(ch.Records()) {
		t.Errorf("subscriber has %d records, channel has %d", len(last), len(ch.Records()))
	}
}

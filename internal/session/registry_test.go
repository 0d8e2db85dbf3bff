package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

type stubFeed struct {
	mu      sync.Mutex
	streams map[string]chan market.Candle
	dials   atomic.Int32
}

func (f *stubFeed) Backfill(_ context.Context, _ string, limit int) ([]market.Candle, error) {
	out := make([]market.Candle, 250)
	for i := range out {
		p := 100 + float64(i)*0.1
		out[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 1, Closed: true}
	}
	return out, nil
}

func (f *stubFeed) Stream(ctx context.Context, tf string) (<-chan market.Candle, func(), error) {
	f.dials.Add(1)
	ch := make(chan market.Candle, 8)
	f.mu.Lock()
	if f.streams == nil {
		f.streams = make(map[string]chan market.Candle)
	}
	f.streams[tf] = ch
	f.mu.Unlock()
	var once sync.Once
	stop := func() { once.Do(func() { close(ch) }) }
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}

func (f *stubFeed) send(tf string, c market.Candle) {
	f.mu.Lock()
	ch := f.streams[tf]
	f.mu.Unlock()
	ch <- c
}

func newTestRegistry(t *testing.T) (*Registry, *stubFeed, *hub.Registry) {
	t.Helper()
	feed := &stubFeed{}
	hubs := hub.NewRegistry(feed, indicators.NewEngine(indicators.DefaultMinCandles), events.NewBus(), zap.NewNop(), hub.Options{})
	t.Cleanup(func() { hubs.Close() })
	return NewRegistry(hubs, zap.NewNop(), 0, 0), feed, hubs
}

type counter struct {
	mu    sync.Mutex
	times []int64
}

func (c *counter) cb(u hub.Update) {
	c.mu.Lock()
	c.times = append(c.times, u.Candle.OpenTime)
	c.mu.Unlock()
}

func (c *counter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.times)
}

func waitLen(t *testing.T, c *counter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.len() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d updates, got %d", n, c.len())
}

func TestSubscribeRequiresSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.SubscribeToTimeframe(context.Background(), "ghost", "1m", func(hub.Update) {})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	reg, feed, _ := newTestRegistry(t)
	reg.CreateSession("u1", "5m")

	var c counter
	for i := 0; i < 3; i++ {
		if err := reg.SubscribeToTimeframe(context.Background(), "u1", "5m", c.cb); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	// Replay arrives once, not three times.
	waitLen(t, &c, 1)
	feed.send("5m", market.Candle{OpenTime: 250 * 60_000, Open: 1, High: 2, Low: 1, Close: 2, Closed: true})
	waitLen(t, &c, 2)
	time.Sleep(30 * time.Millisecond)
	if c.len() != 2 {
		t.Fatalf("duplicate subscription delivered %d updates", c.len())
	}
	info, _ := reg.Session("u1")
	if len(info.Timeframes) != 1 || feed.dials.Load() != 1 {
		t.Fatalf("timeframes=%v dials=%d", info.Timeframes, feed.dials.Load())
	}
}

func TestTwoSessionsOneUnsubscribes(t *testing.T) {
	reg, feed, hubs := newTestRegistry(t)
	reg.CreateSession("a", "5m")
	reg.CreateSession("b", "5m")

	var ca, cb counter
	if err := reg.SubscribeToTimeframe(context.Background(), "a", "5m", ca.cb); err != nil {
		t.Fatal(err)
	}
	if err := reg.SubscribeToTimeframe(context.Background(), "b", "5m", cb.cb); err != nil {
		t.Fatal(err)
	}
	waitLen(t, &ca, 1)
	waitLen(t, &cb, 1)

	reg.UnsubscribeFromTimeframe("a", "5m")
	feed.send("5m", market.Candle{OpenTime: 250 * 60_000, Open: 1, High: 2, Low: 1, Close: 2, Closed: true})
	waitLen(t, &cb, 2)

	time.Sleep(30 * time.Millisecond)
	if ca.len() != 1 {
		t.Fatalf("unsubscribed session still received updates: %d", ca.len())
	}
	h, _ := hubs.Get("5m")
	if st := h.Status(); !st.Connected || st.Subscribers != 1 {
		t.Fatalf("unexpected hub status %+v", st)
	}
}

func TestSweepIdleDestroysStaleSessions(t *testing.T) {
	reg, _, hubs := newTestRegistry(t)
	now := time.Now()
	reg.now = func() time.Time { return now }

	reg.CreateSession("stale", "1m")
	reg.CreateSession("fresh", "1m")
	if err := reg.SubscribeToTimeframe(context.Background(), "stale", "1m", func(hub.Update) {}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(20 * time.Minute)
	reg.Touch("fresh")
	now = now.Add(15 * time.Minute)

	if n := reg.SweepIdle(); n != 1 {
		t.Fatalf("expected 1 reclaimed session, got %d", n)
	}
	if _, ok := reg.Session("stale"); ok {
		t.Fatal("stale session survived sweep")
	}
	if _, ok := reg.Session("fresh"); !ok {
		t.Fatal("fresh session reclaimed")
	}
	h, _ := hubs.Get("1m")
	if h.Subscribers() != 0 {
		t.Fatalf("expected stale subscription released, got %d", h.Subscribers())
	}
}

func TestSetPrimaryTimeframe(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if err := reg.SetPrimaryTimeframe("nobody", "1h"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	reg.CreateSession("u", "1m")
	if err := reg.SetPrimaryTimeframe("u", "1h"); err != nil {
		t.Fatal(err)
	}
	if info, _ := reg.Session("u"); info.PrimaryTimeframe != "1h" {
		t.Fatalf("primary=%s", info.PrimaryTimeframe)
	}
	reg.DestroySession("u")
	if reg.Count() != 0 {
		t.Fatal("session not destroyed")
	}
}

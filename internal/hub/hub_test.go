package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

type fakeStream struct {
	ch   chan market.Candle
	once sync.Once
}

func (s *fakeStream) drop() { s.once.Do(func() { close(s.ch) }) }

type fakeFeed struct {
	mu        sync.Mutex
	history   []market.Candle
	streams   []*fakeStream
	dials     atomic.Int32
	failDial  atomic.Bool
	dialDelay time.Duration
}

func (f *fakeFeed) Backfill(_ context.Context, _ string, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]market.Candle(nil), h...), nil
}

func (f *fakeFeed) Stream(ctx context.Context, _ string) (<-chan market.Candle, func(), error) {
	f.dials.Add(1)
	if f.dialDelay > 0 {
		time.Sleep(f.dialDelay)
	}
	if f.failDial.Load() {
		return nil, nil, errors.New("dial refused")
	}
	s := &fakeStream{ch: make(chan market.Candle, 16)}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.drop()
	}()
	return s.ch, s.drop, nil
}

func (f *fakeFeed) current() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

func (f *fakeFeed) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func candles(from, n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		idx := from + i
		p := 100 + float64(idx)*0.1
		out[i] = market.Candle{OpenTime: int64(idx) * 60_000, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 5, Closed: true}
	}
	return out
}

func newTestRegistry(t *testing.T, feed market.Feed, bus *events.Bus, opts Options) *Registry {
	t.Helper()
	reg := NewRegistry(feed, indicators.NewEngine(indicators.DefaultMinCandles), bus, zap.NewNop(), opts)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func expectNone(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update at %d", u.Candle.OpenTime)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetOrCreateSingleConnection(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 250), dialDelay: 20 * time.Millisecond}
	reg := newTestRegistry(t, feed, events.NewBus(), Options{})

	const n = 20
	hubs := make([]*Hub, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.GetOrCreate(context.Background(), "5m")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			hubs[i] = h
		}(i)
	}
	wg.Wait()

	if got := feed.dials.Load(); got != 1 {
		t.Fatalf("expected exactly 1 upstream connection, got %d", got)
	}
	for i := 1; i < n; i++ {
		if hubs[i] != hubs[0] {
			t.Fatalf("caller %d got a different hub", i)
		}
	}
}

func TestGetOrCreateRetriesAfterFailedConnect(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 250)}
	feed.failDial.Store(true)
	reg := newTestRegistry(t, feed, events.NewBus(), Options{})

	if _, err := reg.GetOrCreate(context.Background(), "1m"); err == nil {
		t.Fatal("expected connect error")
	}
	feed.failDial.Store(false)
	if _, err := reg.GetOrCreate(context.Background(), "1m"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSnapshotPublishedAtMinCandles(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 199)}
	reg := newTestRegistry(t, feed, events.NewBus(), Options{})

	h, err := reg.GetOrCreate(context.Background(), "1m")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	updates, unsub := h.Subscribe(8)
	defer unsub()

	if _, snap := h.Latest(); snap != nil {
		t.Fatal("snapshot published with 199 candles")
	}
	expectNone(t, updates)

	feed.current().ch <- candles(199, 1)[0]
	u := recv(t, updates)
	if u.Snapshot == nil || u.Candle.OpenTime != 199*60_000 {
		t.Fatalf("unexpected update: %+v", u)
	}
	expectNone(t, updates)

	window, snap := h.Latest()
	if len(window) != 200 || snap != u.Snapshot {
		t.Fatalf("latest not published: len=%d", len(window))
	}
}

func TestUnsubscribeKeepsHubRunning(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 250)}
	reg := newTestRegistry(t, feed, events.NewBus(), Options{})

	h, err := reg.GetOrCreate(context.Background(), "5m")
	if err != nil {
		t.Fatal(err)
	}
	a, unsubA := h.Subscribe(8)
	b, unsubB := h.Subscribe(8)
	defer unsubB()

	// Both get the replayed latest update immediately.
	recv(t, a)
	recv(t, b)

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	feed.current().ch <- candles(250, 1)[0]
	if u := recv(t, b); u.Candle.OpenTime != 250*60_000 {
		t.Fatalf("unexpected candle %d", u.Candle.OpenTime)
	}

	unsubB()
	feed.current().ch <- candles(251, 1)[0]
	waitFor(t, "candle applied with no subscribers", func() bool { return h.Price() == candles(251, 1)[0].Close })

	if feed.dials.Load() != 1 || !h.Status().Connected {
		t.Fatalf("hub torn down: dials=%d status=%+v", feed.dials.Load(), h.Status())
	}
}

func TestInPlaceUpdateOfFormingCandle(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 200)}
	reg := newTestRegistry(t, feed, events.NewBus(), Options{})
	h, err := reg.GetOrCreate(context.Background(), "1m")
	if err != nil {
		t.Fatal(err)
	}
	forming := candles(200, 1)[0]
	forming.Closed = false
	feed.current().ch <- forming
	forming.Close += 5
	feed.current().ch <- forming

	waitFor(t, "in-place update", func() bool { return h.Price() == forming.Close })
	window, _ := h.Latest()
	if len(window) != 200 || window[len(window)-1].OpenTime != forming.OpenTime {
		t.Fatalf("expected ring of 200 ending at forming candle, got len=%d", len(window))
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 250)}
	bus := events.NewBus()
	recovered, unsubRec := bus.Subscribe(events.EventFeedRecovered, 1)
	defer unsubRec()
	reg := newTestRegistry(t, feed, bus, Options{ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3})

	h, err := reg.GetOrCreate(context.Background(), "1m")
	if err != nil {
		t.Fatal(err)
	}
	updates, unsub := h.Subscribe(16)
	defer unsub()
	recv(t, updates)

	feed.current().drop()
	waitFor(t, "second stream", func() bool { return feed.streamCount() == 2 })

	feed.current().ch <- candles(250, 1)[0]
	for {
		if u := recv(t, updates); u.Candle.OpenTime == 250*60_000 {
			break
		}
	}
	select {
	case tf := <-recovered:
		if tf != "1m" {
			t.Fatalf("recovered payload %v", tf)
		}
	case <-time.After(time.Second):
		t.Fatal("expected recovery event")
	}
	if st := h.Status(); !st.Connected || st.ReconnectAttempts != 0 || st.Failed {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestReconnectExhausted(t *testing.T) {
	feed := &fakeFeed{history: candles(0, 250)}
	bus := events.NewBus()
	failures, unsubFail := bus.Subscribe(events.EventFeedFailed, 1)
	defer unsubFail()
	reg := newTestRegistry(t, feed, bus, Options{ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3})

	h, err := reg.GetOrCreate(context.Background(), "15m")
	if err != nil {
		t.Fatal(err)
	}
	other, err := reg.GetOrCreate(context.Background(), "1h")
	if err != nil {
		t.Fatal(err)
	}

	feed.failDial.Store(true)
	// Drop only the 15m stream; the 1h stream is the second one opened.
	feed.mu.Lock()
	first := feed.streams[0]
	feed.mu.Unlock()
	first.drop()

	if err := h.Wait(); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if got := feed.dials.Load(); got != 2+3 {
		t.Fatalf("expected 3 reconnect attempts, got %d dials", got-2)
	}

	select {
	case payload := <-failures:
		f := payload.(events.FeedFailure)
		if f.Timeframe != "15m" || f.Attempts != 3 {
			t.Fatalf("unexpected failure %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("expected feed failure event")
	}

	if st := h.Status(); !st.Failed || st.Connected {
		t.Fatalf("unexpected status %+v", st)
	}
	if st := other.Status(); st.Failed || !st.Connected {
		t.Fatalf("other timeframe affected: %+v", st)
	}
}

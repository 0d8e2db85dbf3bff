package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

// ErrReconnectExhausted marks a hub that gave up on its upstream.
var ErrReconnectExhausted = errors.New("hub: reconnect attempts exhausted")

// Options tune buffering and reconnect behavior.
type Options struct {
	BufferSize           int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 300
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	return o
}

// Update is one broadcast: the candle that triggered it and the fresh snapshot.
type Update struct {
	Timeframe string
	Candle    market.Candle
	Snapshot  *indicators.Snapshot
}

// Price returns the close of the triggering candle.
func (u Update) Price() float64 { return u.Candle.Close }

// Status is a point-in-time view of hub health.
type Status struct {
	Timeframe         string    `json:"timeframe"`
	Connected         bool      `json:"connected"`
	Failed            bool      `json:"failed"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastError         string    `json:"lastError,omitempty"`
	Subscribers       int       `json:"subscribers"`
	Candles           int       `json:"candles"`
	Dropped           uint64    `json:"dropped"`
	LastMessage       time.Time `json:"lastMessage"`
}

// view is the immutable state readers observe.
type view struct {
	candles []market.Candle
	snap    *indicators.Snapshot
}

// Hub owns the single upstream stream for one timeframe. The candle buffer is
// written only by the reader goroutine; readers see published views.
type Hub struct {
	timeframe string
	feed      market.Feed
	engine    *indicators.Engine
	bus       *events.Bus
	logger    *zap.Logger
	opts      Options

	buf        *market.Buffer
	view       atomic.Pointer[view]
	lastUpdate atomic.Pointer[Update]
	dropped    atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]chan Update
	nextID uint64

	statusMu sync.Mutex
	status   Status

	done chan struct{}
	err  error
}

func newHub(timeframe string, feed market.Feed, engine *indicators.Engine, bus *events.Bus, logger *zap.Logger, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		timeframe: timeframe,
		feed:      feed,
		engine:    engine,
		bus:       bus,
		logger:    logger.With(zap.String("timeframe", timeframe)),
		opts:      opts,
		buf:       market.NewBuffer(opts.BufferSize),
		subs:      make(map[uint64]chan Update),
		status:    Status{Timeframe: timeframe},
		done:      make(chan struct{}),
	}
}

// Timeframe returns the hub key.
func (h *Hub) Timeframe() string { return h.timeframe }

// start seeds the buffer and opens the stream. dialCtx bounds the setup;
// runCtx bounds the hub lifetime.
func (h *Hub) start(dialCtx, runCtx context.Context) error {
	if err := h.backfill(dialCtx); err != nil {
		return err
	}
	ch, stop, err := h.feed.Stream(runCtx, h.timeframe)
	if err != nil {
		return fmt.Errorf("stream %s: %w", h.timeframe, err)
	}
	h.setConnected(true, 0, nil)
	go h.run(runCtx, ch, stop)
	return nil
}

func (h *Hub) backfill(ctx context.Context) error {
	candles, err := h.feed.Backfill(ctx, h.timeframe, h.opts.BufferSize)
	if err != nil {
		return err
	}
	for _, c := range candles {
		h.buf.Apply(c)
	}
	if last, ok := h.buf.Last(); ok {
		h.publish(last)
	}
	h.logger.Info("hub seeded", zap.Int("candles", h.buf.Len()))
	return nil
}

// run is the single reader: consume until the stream drops, then reconnect
// with a fixed delay. A received message resets the attempt counter.
func (h *Hub) run(ctx context.Context, ch <-chan market.Candle, stop func()) {
	defer close(h.done)

	b := &backoff.Backoff{Min: h.opts.ReconnectDelay, Max: h.opts.ReconnectDelay, Factor: 1}
	attempts := 0
	for {
		for c := range ch {
			if attempts > 0 {
				attempts = 0
				b.Reset()
				h.setConnected(true, 0, nil)
				h.bus.Publish(events.EventFeedRecovered, h.timeframe)
				h.logger.Info("hub recovered")
			}
			h.handle(c)
		}
		stop()
		if ctx.Err() != nil {
			h.finish(ctx.Err())
			return
		}

		var err error
		for {
			attempts++
			if attempts > h.opts.MaxReconnectAttempts {
				h.fail(attempts-1, err)
				return
			}
			h.setConnected(false, attempts, err)
			delay := b.Duration()
			h.logger.Warn("hub disconnected; reconnecting", zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))

			select {
			case <-ctx.Done():
				h.finish(ctx.Err())
				return
			case <-time.After(delay):
			}

			ch, stop, err = h.feed.Stream(ctx, h.timeframe)
			if err == nil {
				break
			}
		}
		h.setConnected(true, attempts, nil)
		// Refill any candles missed while disconnected.
		if err := h.backfill(ctx); err != nil {
			h.logger.Warn("hub gap backfill failed", zap.Error(err))
		}
	}
}

func (h *Hub) handle(c market.Candle) {
	h.statusMu.Lock()
	h.status.LastMessage = time.Now()
	h.statusMu.Unlock()

	if !h.buf.Apply(c) {
		return
	}
	h.publish(c)
}

// publish recomputes the snapshot and broadcasts it. Below the minimum
// window the candles are still published for readers but nothing is broadcast.
func (h *Hub) publish(c market.Candle) {
	candles := h.buf.Candles()
	var prev *indicators.Snapshot
	if v := h.view.Load(); v != nil {
		prev = v.snap
	}
	snap := h.engine.Compute(candles, prev)
	h.view.Store(&view{candles: candles, snap: snap})
	if snap == nil {
		return
	}

	u := Update{Timeframe: h.timeframe, Candle: c, Snapshot: snap}
	h.lastUpdate.Store(&u)
	h.broadcast(u)
}

// broadcast sends under the read lock so the subscriber set is stable for the
// whole tick and unsubscribe cannot close a channel mid-send.
func (h *Hub) broadcast(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener and replays the latest update, if any.
// The returned function is idempotent; the last unsubscribe leaves the
// upstream connection open.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if u := h.lastUpdate.Load(); u != nil {
		ch <- *u
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Latest returns the published candle window and snapshot. The slice is
// shared and must not be modified.
func (h *Hub) Latest() ([]market.Candle, *indicators.Snapshot) {
	v := h.view.Load()
	if v == nil {
		return nil, nil
	}
	return v.candles, v.snap
}

// Price returns the latest close, or 0 before any data.
func (h *Hub) Price() float64 {
	v := h.view.Load()
	if v == nil || len(v.candles) == 0 {
		return 0
	}
	return v.candles[len(v.candles)-1].Close
}

// Subscribers reports current listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Status snapshots hub health.
func (h *Hub) Status() Status {
	h.statusMu.Lock()
	s := h.status
	h.statusMu.Unlock()
	s.Subscribers = h.Subscribers()
	s.Dropped = h.dropped.Load()
	if v := h.view.Load(); v != nil {
		s.Candles = len(v.candles)
	}
	return s
}

// Done is closed when the reader exits.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Wait blocks until the reader exits and returns why.
func (h *Hub) Wait() error {
	<-h.done
	return h.err
}

func (h *Hub) setConnected(connected bool, attempts int, err error) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.status.Connected = connected
	h.status.ReconnectAttempts = attempts
	if err != nil {
		h.status.LastError = err.Error()
	} else if connected {
		h.status.LastError = ""
	}
}

func (h *Hub) finish(err error) {
	h.statusMu.Lock()
	h.status.Connected = false
	h.statusMu.Unlock()
	h.err = err
}

func (h *Hub) fail(attempts int, cause error) {
	err := ErrReconnectExhausted
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
	}
	h.statusMu.Lock()
	h.status.Connected = false
	h.status.Failed = true
	h.status.ReconnectAttempts = attempts
	h.status.LastError = err.Error()
	h.statusMu.Unlock()
	h.err = err

	h.logger.Error("hub upstream failed", zap.Int("attempts", attempts), zap.Error(err))
	h.bus.Publish(events.EventFeedFailed, events.FeedFailure{Timeframe: h.timeframe, Attempts: attempts, Err: err})
}

// Package daemon keeps every strategy analyzed on a fixed cadence per
// timeframe, whether or not any session is connected.
package daemon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/monitor"
	"strategy-daemon/internal/position"
	"strategy-daemon/pkg/db"
)

// HubProvider resolves the shared hub for a timeframe.
type HubProvider interface {
	GetOrCreate(ctx context.Context, timeframe string) (*hub.Hub, error)
}

// Orchestrator is the strategy side the daemon drives.
type Orchestrator interface {
	AnalyzeTimeframe(ctx context.Context, candles []market.Candle, snap *indicators.Snapshot, timeframe string) []position.Signal
	UpdatePrice(timeframe string, price float64)
	Checkpoint(ctx context.Context)
}

// HeartbeatStore records daemon liveness.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, hb db.Heartbeat) error
}

// Options configure the daemon. Zero values take defaults.
type Options struct {
	Timeframes         []string
	MinCandles         int
	CheckpointInterval time.Duration
	HeartbeatInterval  time.Duration
	InstanceID         string
	Version            string
	// StartRetryDelay and StartRetryAttempts bound the retries for a hub
	// that fails to open at startup.
	StartRetryDelay    time.Duration
	StartRetryAttempts int
	// OnSchedule is called once per timeframe when its hub is scheduled.
	OnSchedule func(timeframe string, h *hub.Hub)
	// Cadence overrides CadenceFor; used by tests.
	Cadence func(timeframe string) time.Duration
}

// Daemon owns one ticker per timeframe plus checkpoint and heartbeat loops.
// It never closes hubs; Stop only cancels its own goroutines.
type Daemon struct {
	hubs       HubProvider
	strategies Orchestrator
	bus        *events.Bus
	metrics    *monitor.SystemMetrics
	heartbeats HeartbeatStore
	logger     *zap.Logger
	opts       Options

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unsubs    []func()
	running   map[string]*hub.Hub
	startedAt time.Time
}

// New builds a stopped daemon. metrics and heartbeats may be nil.
func New(hubs HubProvider, strategies Orchestrator, bus *events.Bus, metrics *monitor.SystemMetrics, heartbeats HeartbeatStore, logger *zap.Logger, opts Options) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MinCandles <= 0 {
		opts.MinCandles = indicators.DefaultMinCandles
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StartRetryDelay <= 0 {
		opts.StartRetryDelay = 5 * time.Second
	}
	if opts.StartRetryAttempts <= 0 {
		opts.StartRetryAttempts = 10
	}
	if opts.Cadence == nil {
		opts.Cadence = CadenceFor
	}
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Daemon{
		hubs:       hubs,
		strategies: strategies,
		bus:        bus,
		metrics:    metrics,
		heartbeats: heartbeats,
		logger:     logger.Named("daemon"),
		opts:       opts,
		running:    make(map[string]*hub.Hub),
	}
}

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("daemon: already started")

// Start opens every timeframe's hub concurrently and starts its loops. A hub
// that fails to open is retried in the background up to StartRetryAttempts
// times and does not affect other timeframes. The strategy orchestrator must
// already be loaded.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.startedAt = time.Now()
	d.mu.Unlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		opened = make(map[string]*hub.Hub, len(d.opts.Timeframes))
		failed = make(map[string]error)
	)
	for _, tf := range d.opts.Timeframes {
		tf := tf
		g.Go(func() error {
			h, err := d.hubs.GetOrCreate(ctx, tf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[tf] = err
				return nil
			}
			opened[tf] = h
			return nil
		})
	}
	_ = g.Wait()

	for tf, h := range opened {
		d.schedule(runCtx, tf, h)
	}

	d.mu.Lock()
	for tf, err := range failed {
		d.logger.Warn("hub start failed; retrying",
			zap.String("timeframe", tf),
			zap.Duration("delay", d.opts.StartRetryDelay),
			zap.Error(err))
		d.wg.Add(1)
		go d.retryTimeframe(runCtx, tf, err)
	}

	d.wg.Add(2)
	go d.runCheckpoints(runCtx)
	go d.runHeartbeat(runCtx)

	if d.bus != nil {
		failures, unsub := d.bus.Subscribe(events.EventFeedFailed, 16)
		d.unsubs = append(d.unsubs, unsub)
		d.wg.Add(1)
		go d.watchFailures(failures)
	}
	d.mu.Unlock()

	d.logger.Info("daemon started",
		zap.Int("timeframes", len(opened)),
		zap.Int("retrying", len(failed)),
		zap.Int("requested", len(d.opts.Timeframes)))
	return nil
}

// schedule starts the price consumer and ticker for tf. It is a no-op once the
// daemon is stopping or tf is already scheduled.
func (d *Daemon) schedule(ctx context.Context, tf string, h *hub.Hub) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil || ctx.Err() != nil {
		return false
	}
	if _, ok := d.running[tf]; ok {
		return false
	}
	d.running[tf] = h
	ch, unsub := h.Subscribe(64)
	d.unsubs = append(d.unsubs, unsub)

	d.wg.Add(2)
	go d.consumePrices(tf, ch)
	go d.runTimeframe(ctx, tf, h)
	if d.opts.OnSchedule != nil {
		d.opts.OnSchedule(tf, h)
	}
	return true
}

// retryTimeframe keeps trying to open tf's hub at a fixed delay. Exhausting
// the attempts is terminal and reported as a feed failure.
func (d *Daemon) retryTimeframe(ctx context.Context, tf string, lastErr error) {
	defer d.wg.Done()
	log := d.logger.With(zap.String("timeframe", tf))
	timer := time.NewTimer(d.opts.StartRetryDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= d.opts.StartRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		h, err := d.hubs.GetOrCreate(ctx, tf)
		if err == nil {
			if d.schedule(ctx, tf, h) {
				log.Info("hub started after retry", zap.Int("attempt", attempt))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		log.Warn("hub start retry failed", zap.Int("attempt", attempt), zap.Error(err))
		timer.Reset(d.opts.StartRetryDelay)
	}

	log.Error("hub start failed; timeframe disabled",
		zap.Int("attempts", d.opts.StartRetryAttempts),
		zap.Error(lastErr))
	if d.bus != nil {
		d.bus.Publish(events.EventFeedFailed, events.FeedFailure{
			Timeframe: tf,
			Attempts:  d.opts.StartRetryAttempts,
			Err:       lastErr,
		})
	}
}

// consumePrices keeps open positions marked to the latest price.
func (d *Daemon) consumePrices(tf string, ch <-chan hub.Update) {
	defer d.wg.Done()
	for u := range ch {
		d.strategies.UpdatePrice(tf, u.Price())
	}
}

func (d *Daemon) runTimeframe(ctx context.Context, tf string, h *hub.Hub) {
	defer d.wg.Done()
	cadence := d.opts.Cadence(tf)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	log := d.logger.With(zap.String("timeframe", tf))
	log.Info("timeframe scheduled", zap.Duration("cadence", cadence))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, tf, h, log)
		}
	}
}

// tick runs one analysis pass. Returns false when the tick was skipped.
func (d *Daemon) tick(ctx context.Context, tf string, h *hub.Hub, log *zap.Logger) bool {
	if st := h.Status(); st.Failed {
		d.metrics.IncrementSkipped()
		return false
	}
	candles, snap := h.Latest()
	if len(candles) < d.opts.MinCandles || snap == nil {
		d.metrics.IncrementSkipped()
		log.Debug("tick skipped; insufficient data", zap.Int("candles", len(candles)))
		return false
	}

	start := time.Now()
	signals := d.strategies.AnalyzeTimeframe(ctx, candles, snap, tf)
	elapsed := time.Since(start)

	slow := elapsed > SlowTickThreshold(d.opts.Cadence(tf))
	d.metrics.RecordTick(tf, elapsed, len(signals), slow)
	if slow {
		log.Warn("slow analysis tick", zap.Duration("elapsed", elapsed))
	}
	for _, s := range signals {
		log.Info("signal",
			zap.String("type", string(s.Type)),
			zap.Float64("price", s.Price),
			zap.String("reason", s.Reason))
	}
	return true
}

func (d *Daemon) runCheckpoints(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.strategies.Checkpoint(ctx)
		}
	}
}

func (d *Daemon) runHeartbeat(ctx context.Context) {
	defer d.wg.Done()
	if d.heartbeats == nil {
		return
	}
	beat := func() {
		err := d.heartbeats.UpsertHeartbeat(ctx, db.Heartbeat{
			InstanceID: d.opts.InstanceID,
			Version:    d.opts.Version,
			StartedAt:  d.startedAt,
			LastBeat:   time.Now(),
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("heartbeat failed", zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (d *Daemon) watchFailures(ch <-chan any) {
	defer d.wg.Done()
	for msg := range ch {
		if f, ok := msg.(events.FeedFailure); ok {
			d.logger.Error("feed failed; timeframe halted",
				zap.String("timeframe", f.Timeframe),
				zap.Int("attempts", f.Attempts),
				zap.Error(f.Err))
		}
	}
}

// Stop cancels the daemon's loops and subscriptions, then folds running
// active time one last time. Hubs stay open.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	unsubs := d.unsubs
	d.cancel, d.unsubs = nil, nil
	d.running = make(map[string]*hub.Hub)
	d.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	for _, u := range unsubs {
		u()
	}
	d.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	d.strategies.Checkpoint(ctx)
	d.logger.Info("daemon stopped")
}

// Timeframes lists timeframes with a running schedule.
func (d *Daemon) Timeframes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.running))
	for tf := range d.running {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

// Metrics exposes the daemon's counters.
func (d *Daemon) Metrics() *monitor.SystemMetrics { return d.metrics }

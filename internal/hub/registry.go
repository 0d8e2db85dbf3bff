package hub

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

// Registry holds one hub per timeframe for the life of the process.
type Registry struct {
	feed   market.Feed
	engine *indicators.Engine
	bus    *events.Bus
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	hubs  map[string]*Hub
	group singleflight.Group
}

// NewRegistry builds an empty registry; hubs connect lazily on first access.
func NewRegistry(feed market.Feed, engine *indicators.Engine, bus *events.Bus, logger *zap.Logger, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		feed:   feed,
		engine: engine,
		bus:    bus,
		logger: logger.Named("hub"),
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[string]*Hub),
	}
}

// GetOrCreate returns the hub for timeframe, seeding and connecting it on
// first access. Concurrent first calls share one connect; a failed connect is
// not cached so a later call retries.
func (r *Registry) GetOrCreate(ctx context.Context, timeframe string) (*Hub, error) {
	if h, ok := r.Get(timeframe); ok {
		return h, nil
	}

	v, err, _ := r.group.Do(timeframe, func() (any, error) {
		if h, ok := r.Get(timeframe); ok {
			return h, nil
		}
		h := newHub(timeframe, r.feed, r.engine, r.bus, r.logger, r.opts)
		if err := h.start(ctx, r.ctx); err != nil {
			r.logger.Warn("hub start failed", zap.String("timeframe", timeframe), zap.Error(err))
			return nil, err
		}
		r.mu.Lock()
		r.hubs[timeframe] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Hub), nil
}

// Get returns an existing hub without connecting.
func (r *Registry) Get(timeframe string) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[timeframe]
	return h, ok
}

// Statuses reports every hub, ordered by timeframe key.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.hubs))
	for _, h := range r.hubs {
		out = append(out, h.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timeframe < out[j].Timeframe })
	return out
}

// Close stops every hub. Only process shutdown calls this.
func (r *Registry) Close() error {
	r.cancel()
	r.mu.RLock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.RUnlock()

	var err error
	for _, h := range hubs {
		if werr := h.Wait(); werr != nil && werr != context.Canceled {
			err = multierr.Append(err, werr)
		}
	}
	return err
}

package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/position"
)

// Options configure the orchestrator.
type Options struct {
	FeeRate float64
	// CheckpointWindow bounds the pre-restart gap folded into active time.
	CheckpointWindow time.Duration
}

// Engine is the registry of strategy instances keyed by (name, timeframe).
type Engine struct {
	store  Store
	bus    *events.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu        sync.RWMutex
	instances map[Key]*instance
}

// NewEngine builds an empty orchestrator; call LoadAll before use.
func NewEngine(store Store, bus *events.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CheckpointWindow <= 0 {
		opts.CheckpointWindow = 600 * time.Second
	}
	return &Engine{
		store:     store,
		bus:       bus,
		logger:    logger.Named("strategy"),
		opts:      opts,
		now:       time.Now,
		instances: make(map[Key]*instance),
	}
}

type ownerKey struct {
	user string
	key  Key
}

// LoadAll restores every stored strategy with its trade history and open
// position. Trades and positions are each fetched in a single query. Corrupt
// configs and duplicate keys are skipped with a warning.
func (e *Engine) LoadAll(ctx context.Context) error {
	records, err := e.store.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	trades, err := e.store.LoadTrades(ctx)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	opens, err := e.store.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	tradesByKey := make(map[ownerKey][]position.CompletedTrade)
	for _, t := range trades {
		k := ownerKey{t.UserEmail, Key{t.StrategyName, t.Timeframe}}
		tradesByKey[k] = append(tradesByKey[k], t)
	}
	openByKey := make(map[ownerKey]position.Position, len(opens))
	for _, o := range opens {
		openByKey[ownerKey{o.UserEmail, o.Key}] = o.Position
	}

	now := e.now()
	loaded := make(map[Key]*instance, len(records))
	for _, rec := range records {
		log := e.logger.With(zap.String("strategy", rec.Key.Name), zap.String("timeframe", rec.Key.Timeframe), zap.String("user", rec.UserEmail))
		if _, dup := loaded[rec.Key]; dup {
			log.Warn("duplicate strategy key skipped")
			continue
		}
		cfg, err := ParseConfig(rec.Type, rec.Config)
		if err != nil {
			log.Warn("invalid strategy config skipped", zap.Error(err))
			continue
		}
		in, err := e.newInstance(rec.UserEmail, rec.Key, cfg)
		if err != nil {
			log.Warn("strategy rules unavailable", zap.Error(err))
			continue
		}

		ok := ownerKey{rec.UserEmail, rec.Key}
		var open *position.Position
		if p, has := openByKey[ok]; has {
			open = &p
		}
		in.engine.Restore(tradesByKey[ok], open)

		in.totalActive = rec.TotalActiveTime
		if rec.IsActive {
			in.isActive = true
			if rec.ActivatedAt != nil {
				if gap := now.Sub(*rec.ActivatedAt); gap > 0 && gap < e.opts.CheckpointWindow {
					in.totalActive += gap
				} else if gap > 0 {
					log.Info("restart gap discarded", zap.Duration("gap", gap))
				}
			}
			at := now
			in.activatedAt = &at
			if err := e.store.SaveActivation(ctx, in.userEmail, in.key, true, in.activatedAt, in.totalActive); err != nil {
				log.Warn("persist restart checkpoint failed", zap.Error(err))
			}
		}
		loaded[rec.Key] = in
	}

	e.mu.Lock()
	e.instances = loaded
	e.mu.Unlock()

	e.logger.Info("strategies loaded",
		zap.Int("strategies", len(loaded)),
		zap.Int("trades", len(trades)),
		zap.Int("open_positions", len(opens)))
	return nil
}

func (e *Engine) newInstance(userEmail string, key Key, cfg Config) (*instance, error) {
	rules, err := NewRules(cfg)
	if err != nil {
		return nil, err
	}
	id := position.Identity{Name: key.Name, Timeframe: key.Timeframe, UserEmail: userEmail}
	return &instance{
		key:       key,
		userEmail: userEmail,
		cfg:       cfg,
		engine:    position.NewEngine(id, rules, cfg.Limits(e.opts.FeeRate), e.store, e.bus, e.logger),
	}, nil
}

// Resolve finds the key for name. An empty timeframe matches when exactly one
// instance has that name.
func (e *Engine) Resolve(name, timeframe string) (Key, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if timeframe != "" {
		k := Key{name, timeframe}
		if _, ok := e.instances[k]; !ok {
			return Key{}, ErrNotFound
		}
		return k, nil
	}
	var found []Key
	for k := range e.instances {
		if k.Name == name {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 0:
		return Key{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Key{}, ErrAmbiguous
	}
}

func (e *Engine) get(key Key) (*instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.instances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return in, nil
}

// Toggle flips activation and persists it before returning. On a storage
// error the in-memory state is left unchanged.
func (e *Engine) Toggle(ctx context.Context, name, timeframe string) (bool, error) {
	in, err := e.get(Key{name, timeframe})
	if err != nil {
		return false, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	now := e.now()
	active := !in.isActive
	total := in.totalActive
	var activatedAt *time.Time
	if active {
		activatedAt = &now
	} else if in.activatedAt != nil {
		total += now.Sub(*in.activatedAt)
	}

	if err := e.store.SaveActivation(ctx, in.userEmail, in.key, active, activatedAt, total); err != nil {
		return in.isActive, fmt.Errorf("persist toggle %s: %w", in.key, err)
	}
	in.isActive, in.activatedAt, in.totalActive = active, activatedAt, total
	e.logger.Info("strategy toggled", zap.String("strategy", name), zap.String("timeframe", timeframe), zap.Bool("active", active))
	return active, nil
}

// Reset clears history and open position for one key, zeroes its active time
// and rebuilds the position engine from the stored config. Activation is kept.
func (e *Engine) Reset(ctx context.Context, name, timeframe string) error {
	in, err := e.get(Key{name, timeframe})
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	var activatedAt *time.Time
	if in.isActive {
		now := e.now()
		activatedAt = &now
	}
	if err := e.store.ResetStrategy(ctx, in.userEmail, in.key, activatedAt); err != nil {
		return fmt.Errorf("persist reset %s: %w", in.key, err)
	}
	fresh, err := e.newInstance(in.userEmail, in.key, in.cfg)
	if err != nil {
		return err
	}
	in.engine = fresh.engine
	in.totalActive = 0
	in.activatedAt = activatedAt
	e.logger.Info("strategy reset", zap.String("strategy", name), zap.String("timeframe", timeframe))
	return nil
}

// UpdateConfig applies new thresholds to the live instance. An open position
// stays open; the new limits apply from the next tick.
func (e *Engine) UpdateConfig(ctx context.Context, name, timeframe string, patch ConfigPatch) error {
	in, err := e.get(Key{name, timeframe})
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	merged, err := in.cfg.Apply(patch)
	if err != nil {
		return err
	}
	if err := e.store.SaveConfig(ctx, in.userEmail, in.key, merged); err != nil {
		return fmt.Errorf("persist config %s: %w", in.key, err)
	}
	in.cfg = merged
	in.engine.SetLimits(patch.LimitsPatch())
	return nil
}

// Create registers a new inactive strategy.
func (e *Engine) Create(ctx context.Context, userEmail, name, timeframe string, cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	key := Key{name, timeframe}
	if name == "" || market.TimeframeDuration(timeframe) == 0 {
		return fmt.Errorf("%w: name and a known timeframe are required", ErrInvalidConfig)
	}
	in, err := e.newInstance(userEmail, key, cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.instances[key]; exists {
		return ErrExists
	}
	raw, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	if err := e.store.CreateStrategy(ctx, Record{UserEmail: userEmail, Key: key, Type: cfg.Type, Config: raw}); err != nil {
		return fmt.Errorf("persist create %s: %w", key, err)
	}
	e.instances[key] = in
	return nil
}

func (e *Engine) byTimeframe(timeframe string) []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*instance, 0, len(e.instances))
	for k, in := range e.instances {
		if k.Timeframe == timeframe {
			out = append(out, in)
		}
	}
	return out
}

// AnalyzeTimeframe runs every active instance of timeframe and executes its
// actionable signals. It returns those signals.
func (e *Engine) AnalyzeTimeframe(ctx context.Context, candles []market.Candle, snap *indicators.Snapshot, timeframe string) []position.Signal {
	var out []position.Signal
	for _, in := range e.byTimeframe(timeframe) {
		in.mu.Lock()
		if in.isActive {
			if sig := in.engine.Analyze(ctx, candles, snap); sig != nil && sig.Actionable() {
				in.engine.Execute(sig)
				out = append(out, *sig)
			}
		}
		in.mu.Unlock()
	}
	return out
}

// UpdatePrice marks open positions of timeframe to price.
func (e *Engine) UpdatePrice(timeframe string, price float64) {
	for _, in := range e.byTimeframe(timeframe) {
		in.mu.Lock()
		in.engine.UpdatePrice(price)
		in.mu.Unlock()
	}
}

// Checkpoint folds running intervals into total active time so a crash
// loses at most one checkpoint interval. Persistence failures are logged.
func (e *Engine) Checkpoint(ctx context.Context) {
	e.mu.RLock()
	all := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		all = append(all, in)
	}
	e.mu.RUnlock()

	for _, in := range all {
		in.mu.Lock()
		if in.isActive && in.activatedAt != nil {
			now := e.now()
			in.totalActive += now.Sub(*in.activatedAt)
			in.activatedAt = &now
			if err := e.store.SaveActivation(ctx, in.userEmail, in.key, true, in.activatedAt, in.totalActive); err != nil {
				e.logger.Warn("checkpoint persist failed", zap.String("strategy", in.key.String()), zap.Error(err))
			}
		}
		in.mu.Unlock()
	}
}

// Get returns the performance of one instance.
func (e *Engine) Get(name, timeframe string) (Performance, error) {
	in, err := e.get(Key{name, timeframe})
	if err != nil {
		return Performance{}, err
	}
	return e.performance(in, false), nil
}

// Performances lists matching instances ordered by name then timeframe.
func (e *Engine) Performances(f Filter) []Performance {
	e.mu.RLock()
	matched := make([]*instance, 0, len(e.instances))
	for k, in := range e.instances {
		if f.Timeframe != "" && k.Timeframe != f.Timeframe {
			continue
		}
		if f.UserEmail != "" && in.userEmail != f.UserEmail {
			continue
		}
		matched = append(matched, in)
	}
	e.mu.RUnlock()

	out := make([]Performance, 0, len(matched))
	for _, in := range matched {
		out = append(out, e.performance(in, f.ForceInactive))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// Timeframes lists timeframes that have at least one instance.
func (e *Engine) Timeframes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range e.instances {
		if _, ok := seen[k.Timeframe]; !ok {
			seen[k.Timeframe] = struct{}{}
			out = append(out, k.Timeframe)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns total and active instances.
func (e *Engine) Counts() (total, active int) {
	e.mu.RLock()
	all := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		all = append(all, in)
	}
	e.mu.RUnlock()
	for _, in := range all {
		in.mu.Lock()
		if in.isActive {
			active++
		}
		in.mu.Unlock()
	}
	return len(all), active
}

func (e *Engine) performance(in *instance, forceInactive bool) Performance {
	in.mu.Lock()
	defer in.mu.Unlock()

	info := in.engine.Info()
	p := Performance{
		Name:            in.key.Name,
		Timeframe:       in.key.Timeframe,
		Type:            in.cfg.Type,
		UserEmail:       in.userEmail,
		IsActive:        in.isActive,
		TotalActiveSecs: in.activeTime(e.now()).Seconds(),
		Config:          in.cfg,
		Position:        info.Position,
		TotalTrades:     info.TotalTrades,
		WinningTrades:   info.WinningTrades,
		WinRate:         info.WinRate,
		TotalPnL:        info.TotalPnL,
		LastTradeTime:   info.LastTradeTime,
		RecentTrades:    info.RecentTrades,
		RecentSignals:   info.RecentSignals,
	}
	if in.activatedAt != nil {
		at := *in.activatedAt
		p.ActivatedAt = &at
	}
	if forceInactive {
		p.IsActive = false
		p.ActivatedAt = nil
	}
	return p
}

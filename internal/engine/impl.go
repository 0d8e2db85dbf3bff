package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/persistence"
	"strategy-daemon/internal/strategy"
)

// HubStatuses reports hub health.
type HubStatuses interface {
	Statuses() []hub.Status
	Get(timeframe string) (*hub.Hub, bool)
}

// SessionCounter reports live sessions.
type SessionCounter interface {
	Count() int
}

// Impl implements Service by composing the orchestrator, hubs and sessions.
type Impl struct {
	strategies *strategy.Engine
	hubs       HubStatuses
	sessions   SessionCounter
	writer     *persistence.BatchWriter
	bus        *events.Bus
	logger     *zap.Logger
	meta       Meta
}

// Config holds the dependencies of Impl. Hubs, Sessions and Writer are optional.
type Config struct {
	Strategies *strategy.Engine
	Hubs       HubStatuses
	Sessions   SessionCounter
	Writer     *persistence.BatchWriter
	Bus        *events.Bus
	Logger     *zap.Logger
	Meta       Meta
}

// NewImpl creates a new control service.
func NewImpl(cfg Config) *Impl {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Impl{
		strategies: cfg.Strategies,
		hubs:       cfg.Hubs,
		sessions:   cfg.Sessions,
		writer:     cfg.Writer,
		bus:        cfg.Bus,
		logger:     logger.Named("control"),
		meta:       cfg.Meta,
	}
}

var _ Service = (*Impl)(nil)

// owned resolves the key and checks that userEmail owns it.
func (e *Impl) owned(userEmail, name, timeframe string) (strategy.Key, error) {
	if e.strategies == nil {
		return strategy.Key{}, fmt.Errorf("strategy engine not available")
	}
	key, err := e.strategies.Resolve(name, timeframe)
	if err != nil {
		return strategy.Key{}, err
	}
	p, err := e.strategies.Get(key.Name, key.Timeframe)
	if err != nil {
		return strategy.Key{}, err
	}
	if p.UserEmail != "" && p.UserEmail != userEmail {
		return strategy.Key{}, ErrForbidden
	}
	return key, nil
}

func (e *Impl) changed(action string, key strategy.Key, userEmail string) {
	e.bus.Publish(events.EventStateChanged, events.StateChange{
		Action:    action,
		Name:      key.Name,
		Timeframe: key.Timeframe,
		UserEmail: userEmail,
	})
}

// --- Strategy Commands ---

func (e *Impl) ToggleStrategy(ctx context.Context, userEmail, name, timeframe string) (bool, error) {
	key, err := e.owned(userEmail, name, timeframe)
	if err != nil {
		return false, err
	}
	active, err := e.strategies.Toggle(ctx, key.Name, key.Timeframe)
	if err != nil {
		return active, err
	}
	e.changed("toggle", key, userEmail)
	return active, nil
}

func (e *Impl) ResetStrategy(ctx context.Context, userEmail, name, timeframe string) error {
	key, err := e.owned(userEmail, name, timeframe)
	if err != nil {
		return err
	}
	if err := e.strategies.Reset(ctx, key.Name, key.Timeframe); err != nil {
		return err
	}
	e.changed("reset", key, userEmail)
	return nil
}

func (e *Impl) UpdateStrategyConfig(ctx context.Context, userEmail, name, timeframe string, patch strategy.ConfigPatch) error {
	if patch.Empty() {
		return fmt.Errorf("%w: empty config patch", strategy.ErrInvalidConfig)
	}
	key, err := e.owned(userEmail, name, timeframe)
	if err != nil {
		return err
	}
	if err := e.strategies.UpdateConfig(ctx, key.Name, key.Timeframe, patch); err != nil {
		return err
	}
	e.changed("updateConfig", key, userEmail)
	return nil
}

func (e *Impl) CreateStrategy(ctx context.Context, userEmail string, req CreateStrategyRequest) error {
	if e.strategies == nil {
		return fmt.Errorf("strategy engine not available")
	}
	cfg := req.Config
	cfg.Type = req.Type
	if err := e.strategies.Create(ctx, userEmail, req.Name, req.Timeframe, cfg); err != nil {
		return err
	}
	e.logger.Info("strategy created",
		zap.String("strategy", req.Name),
		zap.String("timeframe", req.Timeframe),
		zap.String("user", userEmail))
	e.changed("create", strategy.Key{Name: req.Name, Timeframe: req.Timeframe}, userEmail)
	return nil
}

// --- Strategy Queries ---

func (e *Impl) ListStrategies(_ context.Context, userEmail, timeframe string) []strategy.Performance {
	if e.strategies == nil {
		return nil
	}
	return e.strategies.Performances(strategy.Filter{UserEmail: userEmail, Timeframe: timeframe})
}

func (e *Impl) GetStrategy(_ context.Context, userEmail, name, timeframe string) (*strategy.Performance, error) {
	key, err := e.owned(userEmail, name, timeframe)
	if err != nil {
		return nil, err
	}
	p, err := e.strategies.Get(key.Name, key.Timeframe)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- System ---

func (e *Impl) GetSystemStatus(_ context.Context) *SystemStatus {
	st := &SystemStatus{
		Meta:       e.meta,
		ServerTime: time.Now(),
		Hubs:       []hub.Status{},
		Prices:     map[string]float64{},
	}
	if e.hubs != nil {
		st.Hubs = e.hubs.Statuses()
		for _, hs := range st.Hubs {
			if h, ok := e.hubs.Get(hs.Timeframe); ok {
				st.Prices[hs.Timeframe] = h.Price()
			}
		}
	}
	if e.strategies != nil {
		st.Strategies.Total, st.Strategies.Active = e.strategies.Counts()
	}
	if e.sessions != nil {
		st.Sessions = e.sessions.Count()
	}
	if e.writer != nil {
		m := e.writer.Metrics()
		st.Writer = &m
	}
	return st
}

// IsNotFound reports errors the API maps to 404.
func IsNotFound(err error) bool {
	return errors.Is(err, strategy.ErrNotFound)
}

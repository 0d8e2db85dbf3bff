package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"strategy-daemon/internal/position"
)

var (
	// ErrNotFound is returned for an unknown (name, timeframe).
	ErrNotFound = errors.New("strategy: not found")
	// ErrAmbiguous is returned when a name without timeframe matches several instances.
	ErrAmbiguous = errors.New("strategy: timeframe required")
	// ErrExists is returned when creating a key that is already registered.
	ErrExists = errors.New("strategy: already exists")
)

// Key identifies an instance; every key has its own activation clock.
type Key struct {
	Name      string `json:"name"`
	Timeframe string `json:"timeframe"`
}

func (k Key) String() string { return fmt.Sprintf("%s@%s", k.Name, k.Timeframe) }

// Record is a stored strategy definition with its activation state.
type Record struct {
	UserEmail       string
	Key             Key
	Type            string
	Config          []byte // JSON
	IsActive        bool
	ActivatedAt     *time.Time
	TotalActiveTime time.Duration
}

// OpenPosition is a persisted open position for one instance.
type OpenPosition struct {
	UserEmail string
	Key       Key
	Position  position.Position
}

// Store is the persistence contract of the orchestrator. Activation, reset,
// config and create writes are synchronous.
type Store interface {
	position.Store

	LoadStrategies(ctx context.Context) ([]Record, error)
	LoadTrades(ctx context.Context) ([]position.CompletedTrade, error)
	LoadOpenPositions(ctx context.Context) ([]OpenPosition, error)

	SaveActivation(ctx context.Context, userEmail string, key Key, active bool, activatedAt *time.Time, total time.Duration) error
	ResetStrategy(ctx context.Context, userEmail string, key Key, activatedAt *time.Time) error
	SaveConfig(ctx context.Context, userEmail string, key Key, cfg Config) error
	CreateStrategy(ctx context.Context, rec Record) error
}

// instance is one registered strategy. mu serializes every mutation of the
// key: toggle, analyze, reset and config updates.
type instance struct {
	mu          sync.Mutex
	key         Key
	userEmail   string
	cfg         Config
	engine      *position.Engine
	isActive    bool
	activatedAt *time.Time
	totalActive time.Duration
}

// activeTime is the total including the running interval.
func (in *instance) activeTime(now time.Time) time.Duration {
	total := in.totalActive
	if in.isActive && in.activatedAt != nil {
		total += now.Sub(*in.activatedAt)
	}
	return total
}

// Performance is the reporting view of one instance.
type Performance struct {
	Name            string                    `json:"name"`
	Timeframe       string                    `json:"timeframe"`
	Type            string                    `json:"type"`
	UserEmail       string                    `json:"userEmail,omitempty"`
	IsActive        bool                      `json:"isActive"`
	ActivatedAt     *time.Time                `json:"activatedAt,omitempty"`
	TotalActiveSecs float64                   `json:"totalActiveSeconds"`
	Config          Config                    `json:"config"`
	Position        position.Position         `json:"position"`
	TotalTrades     int                       `json:"totalTrades"`
	WinningTrades   int                       `json:"winningTrades"`
	WinRate         float64                   `json:"winRate"`
	TotalPnL        float64                   `json:"totalPnl"`
	LastTradeTime   *time.Time                `json:"lastTradeTime,omitempty"`
	RecentTrades    []position.CompletedTrade `json:"recentTrades"`
	RecentSignals   []position.Signal         `json:"recentSignals,omitempty"`
}

// Filter selects performances. Empty fields match everything.
type Filter struct {
	UserEmail     string
	Timeframe     string
	ForceInactive bool
}

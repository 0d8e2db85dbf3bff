// Package engine is the control surface over the strategy daemon. The API
// layer only talks to strategies through Service.
package engine

import (
	"context"
	"errors"

	"strategy-daemon/internal/strategy"
)

// ErrForbidden is returned when a user acts on another user's strategy.
var ErrForbidden = errors.New("engine: strategy belongs to another user")

// Service defines the control operations. Mutating calls persist before
// returning and publish events.EventStateChanged on success.
type Service interface {
	// Strategy Commands
	ToggleStrategy(ctx context.Context, userEmail, name, timeframe string) (bool, error)
	ResetStrategy(ctx context.Context, userEmail, name, timeframe string) error
	UpdateStrategyConfig(ctx context.Context, userEmail, name, timeframe string, patch strategy.ConfigPatch) error
	CreateStrategy(ctx context.Context, userEmail string, req CreateStrategyRequest) error

	// Strategy Queries
	ListStrategies(ctx context.Context, userEmail, timeframe string) []strategy.Performance
	GetStrategy(ctx context.Context, userEmail, name, timeframe string) (*strategy.Performance, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}

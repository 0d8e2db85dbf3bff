package engine

import (
	"time"

	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/persistence"
	"strategy-daemon/internal/strategy"
)

// CreateStrategyRequest registers a new inactive strategy.
type CreateStrategyRequest struct {
	Name      string          `json:"name" binding:"required,min=1,max=120"`
	Timeframe string          `json:"timeframe" binding:"required,min=1"`
	Type      string          `json:"strategy_type" binding:"required,min=1"`
	Config    strategy.Config `json:"config"`
}

// Meta is the static part of the system status.
type Meta struct {
	Mode        string   `json:"mode"`
	Symbol      string   `json:"symbol"`
	Market      string   `json:"market"`
	Timeframes  []string `json:"timeframes"`
	UseMockFeed bool     `json:"use_mock_feed"`
	Testnet     bool     `json:"testnet"`
	Version     string   `json:"version"`
	InstanceID  string   `json:"instance_id"`
}

// StrategyCounts summarizes the registry.
type StrategyCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// SystemStatus represents the daemon runtime status.
type SystemStatus struct {
	Meta
	ServerTime time.Time                       `json:"server_time"`
	Hubs       []hub.Status                    `json:"hubs"`
	Prices     map[string]float64              `json:"prices"`
	Strategies StrategyCounts                  `json:"strategies"`
	Sessions   int                             `json:"sessions"`
	Writer     *persistence.BatchWriterMetrics `json:"writer,omitempty"`
}

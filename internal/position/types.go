// Package position implements the per-strategy position and signal state machine.
package position

import (
	"context"
	"time"

	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

// Type is the side of a position; TypeNone means flat.
type Type string

const (
	TypeNone  Type = "NONE"
	TypeLong  Type = "LONG"
	TypeShort Type = "SHORT"
)

// SignalType enumerates strategy decisions.
type SignalType string

const (
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
	SignalHold       SignalType = "HOLD"
)

// Exit reasons recorded on completed trades.
const (
	ExitTakeProfit = "take_profit"
	ExitStopLoss   = "stop_loss"
	ExitMaxTime    = "max_time"
	ReasonCooldown = "cooldown"
)

// Position is the single open exposure of a strategy. Fields other than Type
// are meaningless while Type is TypeNone.
type Position struct {
	Type                 Type      `json:"type"`
	EntryPrice           float64   `json:"entryPrice"`
	EntryTime            time.Time `json:"entryTime"`
	EntryReason          string    `json:"entryReason,omitempty"`
	Quantity             float64   `json:"quantity"`
	UnrealizedPnL        float64   `json:"unrealizedPnl"`
	UnrealizedPnLPercent float64   `json:"unrealizedPnlPercent"`
}

// IsOpen reports whether the position carries exposure.
func (p Position) IsOpen() bool { return p.Type == TypeLong || p.Type == TypeShort }

// CompletedTrade is the immutable record of one entry and exit.
type CompletedTrade struct {
	ID           string        `json:"id"`
	UserEmail    string        `json:"userEmail,omitempty"`
	StrategyName string        `json:"strategyName"`
	Timeframe    string        `json:"timeframe"`
	Type         Type          `json:"type"`
	EntryPrice   float64       `json:"entryPrice"`
	EntryTime    time.Time     `json:"entryTime"`
	EntryReason  string        `json:"entryReason,omitempty"`
	ExitPrice    float64       `json:"exitPrice"`
	ExitTime     time.Time     `json:"exitTime"`
	ExitReason   string        `json:"exitReason"`
	Quantity     float64       `json:"quantity"`
	PnL          float64       `json:"pnl"`
	PnLPercent   float64       `json:"pnlPercent"`
	Fees         float64       `json:"fees"`
	Duration     time.Duration `json:"duration"`
	IsWin        bool          `json:"isWin"`
}

// Signal is one strategy decision.
type Signal struct {
	Type       SignalType         `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Price      float64            `json:"price"`
	Reason     string             `json:"reason"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Position   *Position          `json:"position,omitempty"`
}

// Actionable reports whether the signal is persisted and kept in history.
func (s Signal) Actionable() bool { return s.Type != SignalHold }

// Rules is the strategy-specific part of a strategy: when to enter and when
// to exit on reversal. Implementations must be pure.
type Rules interface {
	// Entry returns TypeLong, TypeShort or TypeNone with a reason.
	Entry(candles []market.Candle, snap *indicators.Snapshot) (Type, string)
	// ShouldExit reports a strategy-specific reversal for an open position.
	ShouldExit(pos Position, candles []market.Candle, snap *indicators.Snapshot) (bool, string)
}

// Store persists position state. SaveTrade is synchronous; the rest are
// fire-and-forget and must not block.
type Store interface {
	SaveTrade(ctx context.Context, trade CompletedTrade) error
	SaveOpenPosition(userEmail, name, timeframe string, pos Position)
	DeleteOpenPosition(userEmail, name, timeframe string)
	SaveSignal(userEmail, name, timeframe string, sig Signal)
}

// Limits are the shared risk thresholds. Percentages are in percent units.
type Limits struct {
	PositionSize    float64
	ProfitTarget    float64
	StopLoss        float64
	MaxPositionTime time.Duration
	Cooldown        time.Duration
	MinCandles      int
	FeeRate         float64
}

// LimitsPatch updates thresholds on a live engine; nil fields are unchanged.
type LimitsPatch struct {
	ProfitTarget    *float64
	StopLoss        *float64
	MaxPositionTime *time.Duration
	Cooldown        *time.Duration
}

// Info is a read-only view for performance reporting.
type Info struct {
	Position      Position         `json:"position"`
	TotalTrades   int              `json:"totalTrades"`
	WinningTrades int              `json:"winningTrades"`
	WinRate       float64          `json:"winRate"`
	TotalPnL      float64          `json:"totalPnl"`
	LastTradeTime *time.Time       `json:"lastTradeTime,omitempty"`
	RecentTrades  []CompletedTrade `json:"recentTrades"`
	RecentSignals []Signal         `json:"recentSignals"`
}

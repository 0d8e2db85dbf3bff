package position

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
)

const (
	// DefaultFeeRate is charged on the notional of each leg.
	DefaultFeeRate   = 0.001
	maxRecentTrades  = 50
	maxRecentSignals = 50
)

// ErrNoPosition is returned by Close when flat.
var ErrNoPosition = errors.New("position: no open position")

// Identity names the strategy instance an engine belongs to.
type Identity struct {
	Name      string
	Timeframe string
	UserEmail string
}

// Engine is the position state machine of one strategy instance.
type Engine struct {
	id     Identity
	rules  Rules
	store  Store
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	limits        Limits
	position      Position
	totalTrades   int
	winningTrades int
	totalPnL      decimal.Decimal
	lastTradeTime time.Time
	trades        []CompletedTrade // most recent first
	signals       []Signal         // most recent first
}

// NewEngine builds a flat engine. store and bus may be nil.
func NewEngine(id Identity, rules Rules, limits Limits, store Store, bus *events.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MinCandles <= 0 {
		limits.MinCandles = indicators.DefaultMinCandles
	}
	return &Engine{
		id:       id,
		rules:    rules,
		store:    store,
		bus:      bus,
		logger:   logger.With(zap.String("strategy", id.Name), zap.String("timeframe", id.Timeframe)),
		now:      time.Now,
		limits:   limits,
		position: Position{Type: TypeNone},
	}
}

// Analyze evaluates one tick. It returns nil when the window is too short.
// Exit checks run before entry checks and a close never re-enters in the
// same call.
func (e *Engine) Analyze(ctx context.Context, candles []market.Candle, snap *indicators.Snapshot) *Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(candles) < e.limits.MinCandles || snap == nil {
		return nil
	}
	price := candles[len(candles)-1].Close
	now := e.now()
	values := snap.Values()

	if e.position.IsOpen() {
		e.markLocked(price)
		reason := e.exitReasonLocked(now, candles, snap)
		if reason == "" {
			pos := e.position
			return &Signal{Type: SignalHold, Timestamp: now, Price: price, Reason: "holding", Indicators: values, Position: &pos}
		}

		closed := e.position
		sigType := SignalCloseLong
		if closed.Type == TypeShort {
			sigType = SignalCloseShort
		}
		e.closeLocked(ctx, price, reason)
		return &Signal{Type: sigType, Timestamp: now, Price: price, Reason: reason, Indicators: values, Position: &closed}
	}

	if !e.lastTradeTime.IsZero() && now.Sub(e.lastTradeTime) < e.limits.Cooldown {
		return &Signal{Type: SignalHold, Timestamp: now, Price: price, Reason: ReasonCooldown, Indicators: values}
	}

	side, reason := e.rules.Entry(candles, snap)
	switch side {
	case TypeLong:
		return &Signal{Type: SignalBuy, Timestamp: now, Price: price, Reason: reason, Indicators: values}
	case TypeShort:
		return &Signal{Type: SignalSell, Timestamp: now, Price: price, Reason: reason, Indicators: values}
	default:
		if reason == "" {
			reason = "no entry condition"
		}
		return &Signal{Type: SignalHold, Timestamp: now, Price: price, Reason: reason, Indicators: values}
	}
}

func (e *Engine) exitReasonLocked(now time.Time, candles []market.Candle, snap *indicators.Snapshot) string {
	pct := e.position.UnrealizedPnLPercent
	switch {
	case e.limits.ProfitTarget > 0 && pct >= e.limits.ProfitTarget:
		return ExitTakeProfit
	case e.limits.StopLoss > 0 && pct <= -e.limits.StopLoss:
		return ExitStopLoss
	case e.limits.MaxPositionTime > 0 && now.Sub(e.position.EntryTime) >= e.limits.MaxPositionTime:
		return ExitMaxTime
	}
	if exit, why := e.rules.ShouldExit(e.position, candles, snap); exit {
		if why == "" {
			why = "reversal"
		}
		return why
	}
	return ""
}

// Execute applies a signal. BUY/SELL open a position unless one is already
// open (logged no-op); every non-HOLD signal is persisted and kept in history.
func (e *Engine) Execute(sig *Signal) {
	if sig == nil || !sig.Actionable() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sig.Type {
	case SignalBuy, SignalSell:
		side := TypeLong
		if sig.Type == SignalSell {
			side = TypeShort
		}
		if e.position.IsOpen() {
			e.logger.Info("duplicate entry ignored",
				zap.String("signal", string(sig.Type)),
				zap.String("open", string(e.position.Type)))
			return
		}
		e.position = Position{
			Type:        side,
			EntryPrice:  sig.Price,
			EntryTime:   e.now(),
			EntryReason: sig.Reason,
			Quantity:    e.limits.PositionSize,
		}
		pos := e.position
		sig.Position = &pos
		if e.store != nil {
			e.store.SaveOpenPosition(e.id.UserEmail, e.id.Name, e.id.Timeframe, pos)
		}
		e.logger.Info("position opened",
			zap.String("side", string(side)),
			zap.Float64("price", sig.Price),
			zap.String("reason", sig.Reason))
	}

	e.recordSignalLocked(*sig)
}

func (e *Engine) recordSignalLocked(sig Signal) {
	e.signals = append([]Signal{sig}, e.signals...)
	if len(e.signals) > maxRecentSignals {
		e.signals = e.signals[:maxRecentSignals]
	}
	if e.store != nil {
		e.store.SaveSignal(e.id.UserEmail, e.id.Name, e.id.Timeframe, sig)
	}
	e.bus.Publish(events.EventSignal, sig)
}

// Close ends the open position at price. It is the only path that flattens a
// position.
func (e *Engine) Close(ctx context.Context, price float64, reason string) (*CompletedTrade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.position.IsOpen() {
		return nil, ErrNoPosition
	}
	t := e.closeLocked(ctx, price, reason)
	return &t, nil
}

func (e *Engine) closeLocked(ctx context.Context, price float64, reason string) CompletedTrade {
	pos := e.position
	now := e.now()
	pnl, pct, fees := Settle(pos.Type, pos.EntryPrice, price, pos.Quantity, e.limits.FeeRate)

	trade := CompletedTrade{
		ID:           uuid.NewString(),
		UserEmail:    e.id.UserEmail,
		StrategyName: e.id.Name,
		Timeframe:    e.id.Timeframe,
		Type:         pos.Type,
		EntryPrice:   pos.EntryPrice,
		EntryTime:    pos.EntryTime,
		EntryReason:  pos.EntryReason,
		ExitPrice:    price,
		ExitTime:     now,
		ExitReason:   reason,
		Quantity:     pos.Quantity,
		PnL:          pnl.InexactFloat64(),
		PnLPercent:   pct.InexactFloat64(),
		Fees:         fees.InexactFloat64(),
		Duration:     now.Sub(pos.EntryTime),
		IsWin:        pnl.IsPositive(),
	}

	// Persist before the in-memory reset; storage trouble must not stall trading.
	if e.store != nil {
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("persist completed trade failed", zap.String("trade", trade.ID), zap.Error(err))
		}
	}

	e.totalTrades++
	if trade.IsWin {
		e.winningTrades++
	}
	e.totalPnL = e.totalPnL.Add(pnl)
	e.lastTradeTime = now
	e.trades = append([]CompletedTrade{trade}, e.trades...)
	if len(e.trades) > maxRecentTrades {
		e.trades = e.trades[:maxRecentTrades]
	}
	e.position = Position{Type: TypeNone}

	if e.store != nil {
		e.store.DeleteOpenPosition(e.id.UserEmail, e.id.Name, e.id.Timeframe)
	}
	e.bus.Publish(events.EventTradeCompleted, trade)
	e.logger.Info("position closed",
		zap.String("side", string(trade.Type)),
		zap.String("reason", reason),
		zap.Float64("pnl", trade.PnL),
		zap.Float64("fees", trade.Fees))
	return trade
}

// Settle computes net PnL, net PnL percent of entry notional and total fees
// for a round trip charged feeRate on both legs.
func Settle(side Type, entry, exit, qty, feeRate float64) (pnl, pct, fees decimal.Decimal) {
	entryD := decimal.NewFromFloat(entry)
	exitD := decimal.NewFromFloat(exit)
	qtyD := decimal.NewFromFloat(qty)
	rate := decimal.NewFromFloat(feeRate)

	entryNotional := entryD.Mul(qtyD)
	exitNotional := exitD.Mul(qtyD)
	gross := exitD.Sub(entryD).Mul(qtyD)
	if side == TypeShort {
		gross = gross.Neg()
	}
	fees = entryNotional.Add(exitNotional).Mul(rate)
	pnl = gross.Sub(fees)
	if entryNotional.IsZero() {
		return pnl, decimal.Zero, fees
	}
	pct = pnl.Div(entryNotional).Mul(decimal.NewFromInt(100))
	return pnl, pct, fees
}

// UpdatePrice refreshes unrealized PnL between analyze ticks.
func (e *Engine) UpdatePrice(price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position.IsOpen() {
		e.markLocked(price)
	}
}

// markLocked sets unrealized PnL gross of fees; percent is of entry price.
func (e *Engine) markLocked(price float64) {
	p := &e.position
	if p.EntryPrice == 0 {
		return
	}
	diff := price - p.EntryPrice
	if p.Type == TypeShort {
		diff = -diff
	}
	p.UnrealizedPnL = diff * p.Quantity
	p.UnrealizedPnLPercent = diff / p.EntryPrice * 100
}

// Restore rebuilds counters from the full trade history (any order) and
// reinstates an open position, if one was persisted.
func (e *Engine) Restore(trades []CompletedTrade, open *Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalTrades, e.winningTrades = 0, 0
	e.totalPnL = decimal.Zero
	e.lastTradeTime = time.Time{}
	e.trades = make([]CompletedTrade, 0, min(len(trades), maxRecentTrades))

	sorted := make([]CompletedTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExitTime.After(sorted[j].ExitTime)
	})
	for i, t := range sorted {
		e.totalTrades++
		if t.IsWin {
			e.winningTrades++
		}
		e.totalPnL = e.totalPnL.Add(decimal.NewFromFloat(t.PnL))
		if t.ExitTime.After(e.lastTradeTime) {
			e.lastTradeTime = t.ExitTime
		}
		if i < maxRecentTrades {
			e.trades = append(e.trades, t)
		}
	}

	if open != nil && open.IsOpen() {
		e.position = *open
	} else {
		e.position = Position{Type: TypeNone}
	}
}

// SetLimits applies a live threshold update; an open position stays open.
func (e *Engine) SetLimits(p LimitsPatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ProfitTarget != nil {
		e.limits.ProfitTarget = *p.ProfitTarget
	}
	if p.StopLoss != nil {
		e.limits.StopLoss = *p.StopLoss
	}
	if p.MaxPositionTime != nil {
		e.limits.MaxPositionTime = *p.MaxPositionTime
	}
	if p.Cooldown != nil {
		e.limits.Cooldown = *p.Cooldown
	}
}

// Limits returns the current thresholds.
func (e *Engine) Limits() Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// Position returns a copy of the current position.
func (e *Engine) Position() Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Info returns counters, the open position and recent history.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := Info{
		Position:      e.position,
		TotalTrades:   e.totalTrades,
		WinningTrades: e.winningTrades,
		TotalPnL:      e.totalPnL.InexactFloat64(),
		RecentTrades:  append([]CompletedTrade(nil), e.trades...),
		RecentSignals: append([]Signal(nil), e.signals...),
	}
	if e.totalTrades > 0 {
		info.WinRate = float64(e.winningTrades) / float64(e.totalTrades) * 100
	}
	if !e.lastTradeTime.IsZero() {
		t := e.lastTradeTime
		info.LastTradeTime = &t
	}
	return info
}

package strategy

import (
	"fmt"

	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/position"
)

// NewRules builds the entry/reversal rules for a validated config.
func NewRules(cfg Config) (position.Rules, error) {
	switch cfg.Type {
	case TypeMACross:
		return &MACross{TrendFilter: cfg.Params.TrendFilter, LongOnly: cfg.Params.LongOnly}, nil
	case TypeRSI:
		return &RSIReversion{Oversold: cfg.Params.Oversold, Overbought: cfg.Params.Overbought, LongOnly: cfg.Params.LongOnly}, nil
	case TypeBollinger:
		return &BollingerBreak{LongOnly: cfg.Params.LongOnly}, nil
	case TypeMACD:
		return &MACDMomentum{LongOnly: cfg.Params.LongOnly}, nil
	case TypeSupertrend:
		return &SupertrendFollow{MinADX: cfg.Params.MinADX, LongOnly: cfg.Params.LongOnly}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}
}

func short(longOnly bool, reason string) (position.Type, string) {
	if longOnly {
		return position.TypeNone, "short entries disabled"
	}
	return position.TypeShort, reason
}

// MACross follows the EMA9/EMA21 relationship, optionally filtered by the
// SMA50/SMA200 trend.
type MACross struct {
	TrendFilter bool
	LongOnly    bool
}

func (r *MACross) Entry(_ []market.Candle, s *indicators.Snapshot) (position.Type, string) {
	switch {
	case s.EMA9 > s.EMA21 && (!r.TrendFilter || s.Uptrend):
		return position.TypeLong, "ema9 above ema21"
	case s.EMA9 < s.EMA21 && (!r.TrendFilter || s.Downtrend):
		return short(r.LongOnly, "ema9 below ema21")
	}
	return position.TypeNone, "no crossover"
}

func (r *MACross) ShouldExit(p position.Position, _ []market.Candle, s *indicators.Snapshot) (bool, string) {
	if p.Type == position.TypeLong && s.EMA9 < s.EMA21 {
		return true, "ema bearish reversal"
	}
	if p.Type == position.TypeShort && s.EMA9 > s.EMA21 {
		return true, "ema bullish reversal"
	}
	return false, ""
}

// RSIReversion buys oversold and sells overbought.
type RSIReversion struct {
	Oversold   float64
	Overbought float64
	LongOnly   bool
}

func (r *RSIReversion) Entry(_ []market.Candle, s *indicators.Snapshot) (position.Type, string) {
	switch {
	case s.RSI > 0 && s.RSI < r.Oversold:
		return position.TypeLong, fmt.Sprintf("rsi %.1f oversold", s.RSI)
	case s.RSI > r.Overbought:
		return short(r.LongOnly, fmt.Sprintf("rsi %.1f overbought", s.RSI))
	}
	return position.TypeNone, "rsi neutral"
}

func (r *RSIReversion) ShouldExit(p position.Position, _ []market.Candle, s *indicators.Snapshot) (bool, string) {
	if p.Type == position.TypeLong && s.RSI > r.Overbought {
		return true, "rsi overbought"
	}
	if p.Type == position.TypeShort && s.RSI > 0 && s.RSI < r.Oversold {
		return true, "rsi oversold"
	}
	return false, ""
}

// BollingerBreak fades closes outside the bands.
type BollingerBreak struct {
	LongOnly bool
}

func (r *BollingerBreak) Entry(_ []market.Candle, s *indicators.Snapshot) (position.Type, string) {
	switch {
	case s.BelowLowerBand:
		return position.TypeLong, "close below lower band"
	case s.AboveUpperBand:
		return short(r.LongOnly, "close above upper band")
	}
	return position.TypeNone, "inside bands"
}

func (r *BollingerBreak) ShouldExit(p position.Position, _ []market.Candle, s *indicators.Snapshot) (bool, string) {
	if p.Type == position.TypeLong && s.AboveUpperBand {
		return true, "reached upper band"
	}
	if p.Type == position.TypeShort && s.BelowLowerBand {
		return true, "reached lower band"
	}
	return false, ""
}

// MACDMomentum trades the histogram sign on the side of EMA50.
type MACDMomentum struct {
	LongOnly bool
}

func (r *MACDMomentum) Entry(_ []market.Candle, s *indicators.Snapshot) (position.Type, string) {
	switch {
	case s.MACDHist > 0 && s.Price > s.EMA50:
		return position.TypeLong, "macd momentum up"
	case s.MACDHist < 0 && s.Price < s.EMA50:
		return short(r.LongOnly, "macd momentum down")
	}
	return position.TypeNone, "macd flat"
}

func (r *MACDMomentum) ShouldExit(p position.Position, _ []market.Candle, s *indicators.Snapshot) (bool, string) {
	if p.Type == position.TypeLong && (s.MACDCrossDown || s.MACDHist < 0) {
		return true, "macd turned down"
	}
	if p.Type == position.TypeShort && (s.MACDCrossUp || s.MACDHist > 0) {
		return true, "macd turned up"
	}
	return false, ""
}

// SupertrendFollow rides the supertrend direction when ADX shows a trend.
type SupertrendFollow struct {
	MinADX   float64
	LongOnly bool
}

func (r *SupertrendFollow) Entry(_ []market.Candle, s *indicators.Snapshot) (position.Type, string) {
	if s.ADX < r.MinADX {
		return position.TypeNone, fmt.Sprintf("adx %.1f below %.1f", s.ADX, r.MinADX)
	}
	if s.SupertrendUp {
		return position.TypeLong, "supertrend up"
	}
	return short(r.LongOnly, "supertrend down")
}

func (r *SupertrendFollow) ShouldExit(p position.Position, _ []market.Candle, s *indicators.Snapshot) (bool, string) {
	if p.Type == position.TypeLong && !s.SupertrendUp {
		return true, "supertrend flipped down"
	}
	if p.Type == position.TypeShort && s.SupertrendUp {
		return true, "supertrend flipped up"
	}
	return false, ""
}

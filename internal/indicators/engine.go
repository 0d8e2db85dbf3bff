package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"strategy-daemon/internal/market"
)

// DefaultMinCandles is the window the longest indicator (SMA200) needs.
const DefaultMinCandles = 200

const (
	overboughtRSI    = 70
	oversoldRSI      = 30
	volumeSpikeRatio = 2.0
	supertrendPeriod = 10
	supertrendMult   = 3.0
)

// Engine computes snapshots. It holds no per-symbol state.
type Engine struct {
	MinCandles int
}

// NewEngine builds an engine requiring at least minCandles.
func NewEngine(minCandles int) *Engine {
	if minCandles <= 0 {
		minCandles = DefaultMinCandles
	}
	return &Engine{MinCandles: minCandles}
}

// Compute derives a snapshot from an oldest-first window. It returns nil when
// the window is shorter than MinCandles. prev is the previously published
// snapshot for the same timeframe and drives crossover flags.
func (e *Engine) Compute(candles []market.Candle, prev *Snapshot) *Snapshot {
	if len(candles) < e.MinCandles || len(candles) < 2 {
		return nil
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	last := candles[n-1]
	s := &Snapshot{
		OpenTime: last.OpenTime,
		Price:    last.Close,
		Volume:   last.Volume,
		SMA20:    lastOf(talib.Sma(closes, 20)),
		SMA50:    lastOf(talib.Sma(closes, 50)),
		SMA200:   lastOf(talib.Sma(closes, 200)),
		EMA9:     lastOf(talib.Ema(closes, 9)),
		EMA21:    lastOf(talib.Ema(closes, 21)),
		EMA50:    lastOf(talib.Ema(closes, 50)),
		RSI:      lastOf(talib.Rsi(closes, 14)),
		ATR:      lastOf(talib.Atr(highs, lows, closes, 14)),
		ADX:      lastOf(talib.Adx(highs, lows, closes, 14)),
		OBV:      lastOf(talib.Obv(closes, volumes)),

		ParabolicSAR: lastOf(talib.Sar(highs, lows, 0.02, 0.2)),
		VolumeSMA20:  lastOf(talib.Sma(volumes, 20)),
	}

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	s.MACD, s.MACDSignal, s.MACDHist = lastOf(macd), lastOf(signal), lastOf(hist)

	upper, middle, lower := talib.BBands(closes, 20, 2.0, 2.0, talib.SMA)
	s.BBUpper, s.BBMiddle, s.BBLower = lastOf(upper), lastOf(middle), lastOf(lower)

	k, d := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
	s.StochK, s.StochD = lastOf(k), lastOf(d)

	s.Supertrend, s.SupertrendUp = supertrend(highs, lows, closes, prev)

	s.Uptrend = s.Price > s.SMA50 && s.SMA50 > s.SMA200
	s.Downtrend = s.Price < s.SMA50 && s.SMA50 < s.SMA200
	s.Overbought = s.RSI > overboughtRSI
	s.Oversold = s.RSI < oversoldRSI
	s.VolumeSpike = s.VolumeSMA20 > 0 && s.Volume > s.VolumeSMA20*volumeSpikeRatio
	s.AboveUpperBand = s.Price > s.BBUpper
	s.BelowLowerBand = s.Price < s.BBLower

	if prev != nil {
		s.EMACrossUp = prev.EMA9 <= prev.EMA21 && s.EMA9 > s.EMA21
		s.EMACrossDown = prev.EMA9 >= prev.EMA21 && s.EMA9 < s.EMA21
		s.MACDCrossUp = prev.MACD <= prev.MACDSignal && s.MACD > s.MACDSignal
		s.MACDCrossDown = prev.MACD >= prev.MACDSignal && s.MACD < s.MACDSignal
	}
	return s
}

// supertrend is the simplified band rule: bands are hl2 ± 3·ATR(10) of the
// previous bar; a close above the upper band turns the trend up, a close
// below the lower band turns it down, otherwise the previous direction holds.
// The published value is the lower band in an uptrend and the upper band otherwise.
func supertrend(highs, lows, closes []float64, prev *Snapshot) (float64, bool) {
	n := len(closes)
	atr := talib.Atr(highs, lows, closes, supertrendPeriod)
	band := func(i int) (float64, float64) {
		hl2 := (highs[i] + lows[i]) / 2
		return hl2 + supertrendMult*atr[i], hl2 - supertrendMult*atr[i]
	}

	up := true
	if prev != nil {
		up = prev.SupertrendUp
	}
	prevUpper, prevLower := band(n - 2)
	switch {
	case closes[n-1] > prevUpper:
		up = true
	case closes[n-1] < prevLower:
		up = false
	}

	upper, lower := band(n - 1)
	if up {
		return lower, true
	}
	return upper, false
}

func lastOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

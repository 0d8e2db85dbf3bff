package session

import (
	"time"

	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/strategy"
)

// DefaultStateCandles is the candle window pushed to clients.
const DefaultStateCandles = 100

// PerformanceSource lists strategy performances.
type PerformanceSource interface {
	Performances(f strategy.Filter) []strategy.Performance
}

// State is the combined object pushed to a session for its primary timeframe.
type State struct {
	Type       string                 `json:"type"`
	Timeframe  string                 `json:"timeframe"`
	Connected  bool                   `json:"connected"`
	Price      float64                `json:"price"`
	Candles    []market.Candle        `json:"candles"`
	Indicators map[string]float64     `json:"indicators"`
	Strategies []strategy.Performance `json:"strategies"`
	Timestamp  int64                  `json:"timestamp"`
}

// StateRequest selects what BuildState reports.
type StateRequest struct {
	Timeframe string
	// UserEmail filters strategies; empty means anonymous.
	UserEmail string
	// DemoUser owns the read-only set shown to anonymous sessions.
	DemoUser string
	Window   int
}

// BuildState assembles the push payload. h may be nil when the timeframe has
// no hub yet; the state then reports disconnected with no market data.
func BuildState(h *hub.Hub, perf PerformanceSource, req StateRequest, now time.Time) State {
	window := req.Window
	if window <= 0 {
		window = DefaultStateCandles
	}
	st := State{
		Type:       "state",
		Timeframe:  req.Timeframe,
		Candles:    []market.Candle{},
		Indicators: map[string]float64{},
		Strategies: []strategy.Performance{},
		Timestamp:  now.UnixMilli(),
	}

	if h != nil {
		status := h.Status()
		st.Connected = status.Connected && !status.Failed
		candles, snap := h.Latest()
		if n := len(candles); n > window {
			candles = candles[n-window:]
		}
		if n := len(candles); n > 0 {
			st.Candles = candles
			st.Price = candles[n-1].Close
		}
		if v := snap.Values(); v != nil {
			st.Indicators = v
		}
	}

	// Anonymous sessions see only the demo set; with no demo user they see nothing.
	if perf != nil && (req.UserEmail != "" || req.DemoUser != "") {
		f := strategy.Filter{UserEmail: req.UserEmail}
		if req.UserEmail == "" {
			f = strategy.Filter{UserEmail: req.DemoUser, ForceInactive: true}
		}
		if ps := perf.Performances(f); ps != nil {
			st.Strategies = ps
		}
	}
	return st
}

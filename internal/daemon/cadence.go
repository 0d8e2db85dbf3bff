package daemon

import "time"

var cadences = map[string]time.Duration{
	"1m":  5 * time.Second,
	"3m":  10 * time.Second,
	"5m":  15 * time.Second,
	"15m": 30 * time.Second,
	"30m": time.Minute,
	"1h":  2 * time.Minute,
	"2h":  3 * time.Minute,
	"4h":  5 * time.Minute,
	"1d":  15 * time.Minute,
}

// DefaultCadence applies to timeframes without an explicit entry.
const DefaultCadence = 30 * time.Second

// CadenceFor is the analysis period for timeframe; shorter candles poll more often.
func CadenceFor(timeframe string) time.Duration {
	if d, ok := cadences[timeframe]; ok {
		return d
	}
	return DefaultCadence
}

// SlowTickThreshold is the analysis duration above which a tick running at
// cadence is logged as slow.
func SlowTickThreshold(cadence time.Duration) time.Duration {
	return cadence / 2
}

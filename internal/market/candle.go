package market

import (
	"time"

	"strategy-daemon/pkg/market/binance"
)

// Candle is one OHLCV bar for a timeframe.
type Candle struct {
	OpenTime int64   `json:"openTime"` // ms
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

// Time returns the open time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime)
}

// FromKline converts an exchange kline.
func FromKline(k binance.Kline) Candle {
	return Candle{
		OpenTime: k.OpenTime,
		Open:     k.Open,
		High:     k.High,
		Low:      k.Low,
		Close:    k.Close,
		Volume:   k.Volume,
		Closed:   k.IsClosed,
	}
}

// Closes extracts closing prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// TimeframeDuration maps a Binance interval to its duration; zero when unknown.
func TimeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}

package binance

// Kline represents a single candlestick with the Binance fields the daemon consumes.
type Kline struct {
	Symbol              string
	Interval            string
	OpenTime            int64 // ms
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64 // ms
	QuoteVolume         float64
	NumberOfTrades      int
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
	// IsClosed is false while the candle is still forming.
	IsClosed bool
}

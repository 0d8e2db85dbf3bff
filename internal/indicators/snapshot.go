package indicators

// Snapshot is the flat set of derived values for one timeframe update.
// Published snapshots are never mutated; the next update replaces them wholesale.
type Snapshot struct {
	OpenTime int64   `json:"openTime"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`

	SMA20  float64 `json:"sma20"`
	SMA50  float64 `json:"sma50"`
	SMA200 float64 `json:"sma200"`
	EMA9   float64 `json:"ema9"`
	EMA21  float64 `json:"ema21"`
	EMA50  float64 `json:"ema50"`

	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macdSignal"`
	MACDHist   float64 `json:"macdHist"`

	BBUpper  float64 `json:"bbUpper"`
	BBMiddle float64 `json:"bbMiddle"`
	BBLower  float64 `json:"bbLower"`

	ATR          float64 `json:"atr"`
	StochK       float64 `json:"stochK"`
	StochD       float64 `json:"stochD"`
	ADX          float64 `json:"adx"`
	ParabolicSAR float64 `json:"parabolicSar"`
	Supertrend   float64 `json:"supertrend"`
	SupertrendUp bool    `json:"supertrendUp"`
	VolumeSMA20  float64 `json:"volumeSma20"`
	OBV          float64 `json:"obv"`

	EMACrossUp     bool `json:"emaCrossUp"`
	EMACrossDown   bool `json:"emaCrossDown"`
	MACDCrossUp    bool `json:"macdCrossUp"`
	MACDCrossDown  bool `json:"macdCrossDown"`
	Uptrend        bool `json:"uptrend"`
	Downtrend      bool `json:"downtrend"`
	Overbought     bool `json:"overbought"`
	Oversold       bool `json:"oversold"`
	VolumeSpike    bool `json:"volumeSpike"`
	AboveUpperBand bool `json:"aboveUpperBand"`
	BelowLowerBand bool `json:"belowLowerBand"`
}

// Values flattens the numeric fields attached to signals.
func (s *Snapshot) Values() map[string]float64 {
	if s == nil {
		return nil
	}
	return map[string]float64{
		"price":       s.Price,
		"sma20":       s.SMA20,
		"sma50":       s.SMA50,
		"sma200":      s.SMA200,
		"ema9":        s.EMA9,
		"ema21":       s.EMA21,
		"rsi":         s.RSI,
		"macd":        s.MACD,
		"macd_signal": s.MACDSignal,
		"bb_upper":    s.BBUpper,
		"bb_lower":    s.BBLower,
		"atr":         s.ATR,
		"adx":         s.ADX,
		"supertrend":  s.Supertrend,
	}
}

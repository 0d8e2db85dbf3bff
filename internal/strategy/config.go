package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/position"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("strategy: invalid config")

// Supported strategy types.
const (
	TypeMACross    = "ma_cross"
	TypeRSI        = "rsi"
	TypeBollinger  = "bollinger"
	TypeMACD       = "macd"
	TypeSupertrend = "supertrend"
)

// Config is the typed per-instance configuration stored as JSON.
// Percentages are in percent units; durations are milliseconds. Zero
// numeric fields take defaults, so every threshold is always positive.
type Config struct {
	Type              string  `json:"type" yaml:"type"`
	PositionSize      float64 `json:"position_size" yaml:"position_size"`
	ProfitTarget      float64 `json:"profit_target" yaml:"profit_target"`
	StopLoss          float64 `json:"stop_loss" yaml:"stop_loss"`
	MaxPositionTimeMs int64   `json:"max_position_time_ms" yaml:"max_position_time_ms"`
	CooldownMs        int64   `json:"cooldown_ms" yaml:"cooldown_ms"`
	MinCandles        int     `json:"min_candles" yaml:"min_candles"`
	Params            Params  `json:"params" yaml:"params"`
}

// Params are rule-specific knobs; zero values take defaults.
type Params struct {
	Oversold    float64 `json:"oversold,omitempty" yaml:"oversold,omitempty"`
	Overbought  float64 `json:"overbought,omitempty" yaml:"overbought,omitempty"`
	TrendFilter bool    `json:"trend_filter,omitempty" yaml:"trend_filter,omitempty"`
	MinADX      float64 `json:"min_adx,omitempty" yaml:"min_adx,omitempty"`
	LongOnly    bool    `json:"long_only,omitempty" yaml:"long_only,omitempty"`
}

// DefaultConfig returns the defaults for a strategy type.
func DefaultConfig(strategyType string) Config {
	c := Config{Type: strategyType}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.PositionSize == 0 {
		c.PositionSize = 1
	}
	if c.ProfitTarget == 0 {
		c.ProfitTarget = 2
	}
	if c.StopLoss == 0 {
		c.StopLoss = 1
	}
	if c.MaxPositionTimeMs == 0 {
		c.MaxPositionTimeMs = (4 * time.Hour).Milliseconds()
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = (5 * time.Minute).Milliseconds()
	}
	if c.MinCandles == 0 {
		c.MinCandles = indicators.DefaultMinCandles
	}
	if c.Params.Oversold == 0 {
		c.Params.Oversold = 30
	}
	if c.Params.Overbought == 0 {
		c.Params.Overbought = 70
	}
	if c.Type == TypeSupertrend && c.Params.MinADX == 0 {
		c.Params.MinADX = 20
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Type {
	case TypeMACross, TypeRSI, TypeBollinger, TypeMACD, TypeSupertrend:
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Type)
	}
	switch {
	case c.PositionSize <= 0:
		return fmt.Errorf("%w: position_size must be > 0", ErrInvalidConfig)
	case c.ProfitTarget <= 0 || c.StopLoss <= 0:
		return fmt.Errorf("%w: profit_target and stop_loss must be > 0", ErrInvalidConfig)
	case c.MaxPositionTimeMs <= 0 || c.CooldownMs <= 0:
		return fmt.Errorf("%w: max_position_time_ms and cooldown_ms must be > 0", ErrInvalidConfig)
	case c.MinCandles < indicators.DefaultMinCandles:
		return fmt.Errorf("%w: min_candles must be >= %d", ErrInvalidConfig, indicators.DefaultMinCandles)
	case c.Params.Oversold >= c.Params.Overbought:
		return fmt.Errorf("%w: oversold must be below overbought", ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes stored JSON, fills defaults and validates. The column
// type wins over a type embedded in the JSON.
func ParseConfig(strategyType string, raw []byte) (Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if strategyType != "" {
		c.Type = strategyType
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Limits maps the config to position thresholds.
func (c Config) Limits(feeRate float64) position.Limits {
	return position.Limits{
		PositionSize:    c.PositionSize,
		ProfitTarget:    c.ProfitTarget,
		StopLoss:        c.StopLoss,
		MaxPositionTime: time.Duration(c.MaxPositionTimeMs) * time.Millisecond,
		Cooldown:        time.Duration(c.CooldownMs) * time.Millisecond,
		MinCandles:      c.MinCandles,
		FeeRate:         feeRate,
	}
}

// ConfigPatch is a live threshold update; nil fields are unchanged.
type ConfigPatch struct {
	ProfitTarget      *float64 `json:"profit_target,omitempty"`
	StopLoss          *float64 `json:"stop_loss,omitempty"`
	MaxPositionTimeMs *int64   `json:"max_position_time_ms,omitempty"`
	CooldownMs        *int64   `json:"cooldown_ms,omitempty"`
}

// Empty reports a patch with nothing to change.
func (p ConfigPatch) Empty() bool {
	return p.ProfitTarget == nil && p.StopLoss == nil && p.MaxPositionTimeMs == nil && p.CooldownMs == nil
}

// Apply returns c with the patch merged and validated.
func (c Config) Apply(p ConfigPatch) (Config, error) {
	if p.ProfitTarget != nil {
		c.ProfitTarget = *p.ProfitTarget
	}
	if p.StopLoss != nil {
		c.StopLoss = *p.StopLoss
	}
	if p.MaxPositionTimeMs != nil {
		c.MaxPositionTimeMs = *p.MaxPositionTimeMs
	}
	if p.CooldownMs != nil {
		c.CooldownMs = *p.CooldownMs
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LimitsPatch converts to the position engine's patch.
func (p ConfigPatch) LimitsPatch() position.LimitsPatch {
	var out position.LimitsPatch
	out.ProfitTarget = p.ProfitTarget
	out.StopLoss = p.StopLoss
	if p.MaxPositionTimeMs != nil {
		d := time.Duration(*p.MaxPositionTimeMs) * time.Millisecond
		out.MaxPositionTime = &d
	}
	if p.CooldownMs != nil {
		d := time.Duration(*p.CooldownMs) * time.Millisecond
		out.Cooldown = &d
	}
	return out
}

func marshalConfig(c Config) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return raw, nil
}

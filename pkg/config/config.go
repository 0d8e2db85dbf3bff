package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds environment-driven settings for the strategy daemon.
type Config struct {
	Port string

	// Market data
	Symbol      string
	Timeframes  []string
	Market      string // "spot" or "futures"
	Testnet     bool
	UseMockFeed bool

	// Hub
	HubBufferSize        int
	MinCandles           int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Sessions
	SessionSweepInterval time.Duration
	SessionIdleTTL       time.Duration
	PushInterval         time.Duration
	DemoUserEmail        string

	// Strategies
	StrategiesFile     string
	FeeRate            float64
	CheckpointInterval time.Duration
	CheckpointWindow   time.Duration

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string

	// Optional consumers; empty disables.
	AdaptationAddr string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string
	RedisAddr      string
	RedisPassword  string
}

var defaults = map[string]any{
	"port":                   "8080",
	"symbol":                 "BTCUSDT",
	"timeframes":             "1m,5m,15m,1h,4h,1d",
	"market":                 "spot",
	"testnet":                false,
	"use_mock_feed":          false,
	"hub_buffer_size":        300,
	"min_candles":            200,
	"reconnect_delay":        "5s",
	"max_reconnect_attempts": 10,
	"session_sweep_interval": "5m",
	"session_idle_ttl":       "30m",
	"push_interval":          "500ms",
	"demo_user_email":        "demo@strategy-daemon.local",
	"strategies_file":        "strategies.yaml",
	"fee_rate":               0.001,
	"checkpoint_interval":    "60s",
	"checkpoint_window":      "600s",
	"db_path":                "./data/strategies.db",
	"jwt_secret":             "dev-secret",
	"log_level":              "info",
	"log_format":             "console",
	"adaptation_addr":        "",
	"influx_url":             "",
	"influx_token":           "",
	"influx_org":             "",
	"influx_bucket":          "strategy_daemon",
	"redis_addr":             "",
	"redis_password":         "",
}

// Load reads .env (optional), an optional YAML/JSON config file and environment variables.
// Environment variables win over the file; the file wins over defaults.
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                 v.GetString("port"),
		Symbol:               strings.ToUpper(v.GetString("symbol")),
		Timeframes:           splitAndTrim(v.GetString("timeframes")),
		Market:               strings.ToLower(v.GetString("market")),
		Testnet:              v.GetBool("testnet"),
		UseMockFeed:          v.GetBool("use_mock_feed"),
		HubBufferSize:        v.GetInt("hub_buffer_size"),
		MinCandles:           v.GetInt("min_candles"),
		ReconnectDelay:       v.GetDuration("reconnect_delay"),
		MaxReconnectAttempts: v.GetInt("max_reconnect_attempts"),
		SessionSweepInterval: v.GetDuration("session_sweep_interval"),
		SessionIdleTTL:       v.GetDuration("session_idle_ttl"),
		PushInterval:         v.GetDuration("push_interval"),
		DemoUserEmail:        strings.ToLower(v.GetString("demo_user_email")),
		StrategiesFile:       v.GetString("strategies_file"),
		FeeRate:              v.GetFloat64("fee_rate"),
		CheckpointInterval:   v.GetDuration("checkpoint_interval"),
		CheckpointWindow:     v.GetDuration("checkpoint_window"),
		DBPath:               v.GetString("db_path"),
		JWTSecret:            v.GetString("jwt_secret"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
		AdaptationAddr:       v.GetString("adaptation_addr"),
		InfluxURL:            v.GetString("influx_url"),
		InfluxToken:          v.GetString("influx_token"),
		InfluxOrg:            v.GetString("influx_org"),
		InfluxBucket:         v.GetString("influx_bucket"),
		RedisAddr:            v.GetString("redis_addr"),
		RedisPassword:        v.GetString("redis_password"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Timeframes) == 0 {
		errs = append(errs, errors.New("at least one timeframe is required"))
	}
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.MinCandles <= 0 || c.HubBufferSize < c.MinCandles {
		errs = append(errs, fmt.Errorf("hub buffer size %d must be >= min candles %d > 0", c.HubBufferSize, c.MinCandles))
	}
	if c.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("max reconnect attempts must be > 0"))
	}
	if c.Market != "spot" && c.Market != "futures" {
		errs = append(errs, fmt.Errorf("unknown market %q", c.Market))
	}
	if c.DemoUserEmail == "" {
		errs = append(errs, errors.New("demo user email is required"))
	}
	if c.FeeRate < 0 {
		errs = append(errs, errors.New("fee rate must be >= 0"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

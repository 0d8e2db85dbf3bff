package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/position"
)

// ErrNoData is returned by Latest when nothing was mirrored yet.
var ErrNoData = errors.New("export: no data")

// Latest is the mirrored per-timeframe market state.
type Latest struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Price      float64            `json:"price"`
	OpenTime   int64              `json:"openTime"`
	Closed     bool               `json:"closed"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	UpdatedAt  int64              `json:"updatedAt"`
}

// Redis mirrors the latest state per timeframe and publishes it.
type Redis struct {
	client *redis.Client
	symbol string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis wraps a client. ttl bounds how long a stale mirror survives.
func NewRedis(client *redis.Client, symbol string, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, symbol: symbol, ttl: ttl, logger: logger.Named("redis")}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password, symbol string, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, symbol, 0, logger), nil
}

func latestKey(symbol, timeframe string) string {
	return fmt.Sprintf("strategy-daemon:latest:%s:%s", symbol, timeframe)
}

// Channel is the pub/sub channel for timeframe.
func Channel(timeframe string) string {
	return "strategy-daemon:" + timeframe
}

func latestFromUpdate(symbol string, u hub.Update, now time.Time) Latest {
	return Latest{
		Symbol:     symbol,
		Timeframe:  u.Timeframe,
		Price:      u.Price(),
		OpenTime:   u.Candle.OpenTime,
		Closed:     u.Candle.Closed,
		Indicators: u.Snapshot.Values(),
		UpdatedAt:  now.UnixMilli(),
	}
}

// WriteUpdate stores the update under a TTL and publishes it.
func (r *Redis) WriteUpdate(ctx context.Context, u hub.Update) error {
	raw, err := json.Marshal(latestFromUpdate(r.symbol, u, time.Now()))
	if err != nil {
		return fmt.Errorf("encode latest: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, latestKey(r.symbol, u.Timeframe), raw, r.ttl)
	pipe.Publish(ctx, Channel(u.Timeframe), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s: %w", u.Timeframe, err)
	}
	return nil
}

// WriteTrade appends the trade to a capped per-strategy list.
func (r *Redis) WriteTrade(ctx context.Context, t position.CompletedTrade) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	key := fmt.Sprintf("strategy-daemon:trades:%s:%s", t.StrategyName, t.Timeframe)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, 49)
	_, err = pipe.Exec(ctx)
	return err
}

// Latest reads the mirrored state for timeframe.
func (r *Redis) Latest(ctx context.Context, timeframe string) (*Latest, error) {
	raw, err := r.client.Get(ctx, latestKey(r.symbol, timeframe)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, err
	}
	var l Latest
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode latest: %w", err)
	}
	return &l, nil
}

// Close closes the client.
func (r *Redis) Close() error { return r.client.Close() }

// Package export mirrors daemon output to optional external stores.
package export

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/position"
)

// Influx writes completed trades and indicator snapshots as points.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	symbol   string
	logger   *zap.Logger
	done     chan struct{}
}

// NewInflux connects and checks server health.
func NewInflux(ctx context.Context, url, token, org, bucket, symbol string, logger *zap.Logger) (*Influx, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := influxdb2.NewClient(url, token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influx not healthy: %+v", health)
	}

	x := &Influx{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		symbol:   symbol,
		logger:   logger.Named("influx"),
		done:     make(chan struct{}),
	}
	go x.drainErrors()
	return x, nil
}

func (x *Influx) drainErrors() {
	errs := x.writeAPI.Errors()
	for {
		select {
		case <-x.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			x.logger.Warn("influx write failed", zap.Error(err))
		}
	}
}

// WriteTrade queues a trade point.
func (x *Influx) WriteTrade(_ context.Context, t position.CompletedTrade) error {
	x.writeAPI.WritePoint(tradePoint(x.symbol, t))
	return nil
}

// WriteUpdate queues a snapshot point for closed candles only.
func (x *Influx) WriteUpdate(_ context.Context, u hub.Update) error {
	if p := updatePoint(x.symbol, u); p != nil {
		x.writeAPI.WritePoint(p)
	}
	return nil
}

// Close flushes pending points.
func (x *Influx) Close() error {
	x.writeAPI.Flush()
	close(x.done)
	x.client.Close()
	return nil
}

func tradePoint(symbol string, t position.CompletedTrade) *write.Point {
	return influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol":    symbol,
			"strategy":  t.StrategyName,
			"timeframe": t.Timeframe,
			"side":      string(t.Type),
			"exit":      t.ExitReason,
		},
		map[string]interface{}{
			"entry_price": t.EntryPrice,
			"exit_price":  t.ExitPrice,
			"quantity":    t.Quantity,
			"pnl":         t.PnL,
			"pnl_percent": t.PnLPercent,
			"fees":        t.Fees,
			"duration_ms": t.Duration.Milliseconds(),
			"win":         t.IsWin,
		},
		t.ExitTime,
	)
}

func updatePoint(symbol string, u hub.Update) *write.Point {
	if !u.Candle.Closed || u.Snapshot == nil {
		return nil
	}
	fields := make(map[string]interface{}, 32)
	for k, v := range u.Snapshot.Values() {
		fields[k] = v
	}
	fields["close"] = u.Candle.Close
	fields["volume"] = u.Candle.Volume
	return influxdb2.NewPoint(
		"indicators",
		map[string]string{"symbol": symbol, "timeframe": u.Timeframe},
		fields,
		time.UnixMilli(u.Candle.OpenTime),
	)
}

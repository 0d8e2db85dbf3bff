package market

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"strategy-daemon/pkg/market/binance"
)

// Feed is the upstream candle source for one symbol.
type Feed interface {
	// Backfill returns up to limit recent candles, oldest first.
	Backfill(ctx context.Context, timeframe string, limit int) ([]Candle, error)
	// Stream opens one upstream connection for timeframe. The channel is
	// closed when the connection drops; stop releases it early.
	Stream(ctx context.Context, timeframe string) (<-chan Candle, func(), error)
}

type klineFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// BinanceFeed streams klines from Binance and backfills over REST.
type BinanceFeed struct {
	Symbol string
	rest   klineFetcher
	stream *binance.StreamClient
	logger *zap.Logger
}

// NewBinanceFeed picks the spot REST client or the go-binance futures client by market.
func NewBinanceFeed(symbol, marketType string, testnet bool, logger *zap.Logger) *BinanceFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rest klineFetcher = binance.NewClient(testnet)
	if marketType == "futures" {
		rest = binance.NewFuturesClient(testnet)
	}
	return &BinanceFeed{
		Symbol: symbol,
		rest:   rest,
		stream: binance.NewStreamClient(marketType, testnet, logger.Named("binance")),
		logger: logger,
	}
}

func (f *BinanceFeed) Backfill(ctx context.Context, timeframe string, limit int) ([]Candle, error) {
	klines, err := f.rest.GetKlines(ctx, f.Symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("backfill %s %s: %w", f.Symbol, timeframe, err)
	}
	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, FromKline(k))
	}
	return out, nil
}

func (f *BinanceFeed) Stream(ctx context.Context, timeframe string) (<-chan Candle, func(), error) {
	klines, stop, err := f.stream.SubscribeKlines(ctx, f.Symbol, timeframe)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Candle, 100)
	go func() {
		defer close(out)
		for k := range klines {
			select {
			case out <- FromKline(k):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop, nil
}

package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// FuturesClient backfills USDⓈ-M futures klines through go-binance.
type FuturesClient struct {
	client *futures.Client
}

// NewFuturesClient builds an unauthenticated futures client; only public endpoints are used.
func NewFuturesClient(testnet bool) *FuturesClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &FuturesClient{client: futures.NewClient("", "")}
}

// GetKlines fetches recent futures klines, oldest first.
func (c *FuturesClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	klines, err := c.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures klines: %w", err)
	}

	now := time.Now().UnixMilli()
	out := make([]Kline, 0, len(klines))
	for _, k := range klines {
		out = append(out, Kline{
			Symbol:              symbol,
			Interval:            interval,
			OpenTime:            k.OpenTime,
			Open:                parseFloat(k.Open),
			High:                parseFloat(k.High),
			Low:                 parseFloat(k.Low),
			Close:               parseFloat(k.Close),
			Volume:              parseFloat(k.Volume),
			CloseTime:           k.CloseTime,
			QuoteVolume:         parseFloat(k.QuoteAssetVolume),
			NumberOfTrades:      int(k.TradeNum),
			TakerBuyBaseVolume:  parseFloat(k.TakerBuyBaseAssetVolume),
			TakerBuyQuoteVolume: parseFloat(k.TakerBuyQuoteAssetVolume),
			IsClosed:            k.CloseTime < now,
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

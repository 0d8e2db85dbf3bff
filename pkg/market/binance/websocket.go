package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamClient manages kline streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewStreamClient builds a websocket client; market selects spot or futures hosts.
func NewStreamClient(market string, testnet bool, logger *zap.Logger) *StreamClient {
	host := "stream.binance.com:9443"
	switch {
	case market == "futures" && testnet:
		host = "stream.binancefuture.com"
	case market == "futures":
		host = "fstream.binance.com"
	case testnet:
		host = "testnet.binance.vision"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}
}

// SubscribeKlines listens to a kline stream and pushes parsed klines into a channel.
// The channel is closed when the connection drops or stop is called.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	out := make(chan Kline, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
					return
				default:
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					errors.Is(err, net.ErrClosed) {
					return
				}
				c.logger.Warn("binance ws read error", zap.String("stream", stream), zap.Error(err))
				return
			}

			parsed, err := parseKlineMessage(msg)
			if err != nil {
				c.logger.Warn("binance ws parse error", zap.String("stream", stream), zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-done:
				return
			}
		}
	}()

	return out, stop, nil
}

// parseKlineMessage decodes only the fields we need.
func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Data *struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      any    `json:"o"`
			Close     any    `json:"c"`
			High      any    `json:"h"`
			Low       any    `json:"l"`
			Volume    any    `json:"v"`
			Trades    int    `json:"n"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	if raw.Data == nil {
		return Kline{}, errors.New("not a kline message")
	}
	return Kline{
		Symbol:         raw.Data.Symbol,
		Interval:       raw.Data.Interval,
		OpenTime:       raw.Data.StartTime,
		CloseTime:      raw.Data.CloseTime,
		Open:           toFloat(raw.Data.Open),
		Close:          toFloat(raw.Data.Close),
		High:           toFloat(raw.Data.High),
		Low:            toFloat(raw.Data.Low),
		Volume:         toFloat(raw.Data.Volume),
		NumberOfTrades: raw.Data.Trades,
		IsClosed:       raw.Data.Closed,
	}, nil
}

// Package adaptation forwards completed trades to an external learning
// service over gRPC.
package adaptation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/position"
)

// OnTradeMethod is the unary RPC receiving one trade as a Struct.
const OnTradeMethod = "/adaptation.v1.Adaptation/OnTrade"

// Invoker is the subset of grpc.ClientConn the sink uses.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Sink subscribes to completed trades and forwards each one.
type Sink struct {
	conn    Invoker
	closer  func() error
	timeout time.Duration
	logger  *zap.Logger
}

// Dial connects to addr without transport security.
func Dial(addr string, logger *zap.Logger) (*Sink, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial adaptation %s: %w", addr, err)
	}
	s := NewSink(conn, logger)
	s.closer = conn.Close
	return s, nil
}

// NewSink wraps an existing connection.
func NewSink(conn Invoker, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{conn: conn, timeout: 2 * time.Second, logger: logger.Named("adaptation")}
}

// Close releases the connection when the sink owns it.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Run forwards trades until ctx is done. Delivery failures are logged.
func (s *Sink) Run(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.Subscribe(events.EventTradeCompleted, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			t, ok := msg.(position.CompletedTrade)
			if !ok {
				continue
			}
			if err := s.Send(ctx, t); err != nil {
				s.logger.Warn("trade not delivered", zap.String("trade", t.ID), zap.Error(err))
			}
		}
	}
}

// Send delivers one trade.
func (s *Sink) Send(ctx context.Context, t position.CompletedTrade) error {
	req, err := TradeStruct(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Invoke(ctx, OnTradeMethod, req, &structpb.Struct{})
}

// TradeStruct encodes a trade for the wire.
func TradeStruct(t position.CompletedTrade) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":          t.ID,
		"user_email":  t.UserEmail,
		"strategy":    t.StrategyName,
		"timeframe":   t.Timeframe,
		"side":        string(t.Type),
		"entry_price": t.EntryPrice,
		"entry_time":  t.EntryTime.UnixMilli(),
		"exit_price":  t.ExitPrice,
		"exit_time":   t.ExitTime.UnixMilli(),
		"exit_reason": t.ExitReason,
		"quantity":    t.Quantity,
		"pnl":         t.PnL,
		"pnl_percent": t.PnLPercent,
		"fees":        t.Fees,
		"duration_ms": t.Duration.Milliseconds(),
		"is_win":      t.IsWin,
	})
}

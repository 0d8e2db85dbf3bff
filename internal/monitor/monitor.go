package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/position"
)

// Monitor watches feed and trade events, updates metrics and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
	Logger  *zap.Logger
}

// Start subscribes and returns immediately; the watchers stop with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil {
		m.Logger.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{Logger: m.Logger}
	}
	m.watch(ctx, events.EventFeedFailed)
	m.watch(ctx, events.EventFeedRecovered)
	m.watch(ctx, events.EventTradeCompleted)
}

func (m *Monitor) watch(ctx context.Context, e events.Event) {
	stream, unsub := m.Bus.Subscribe(e, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(e, msg)
			}
		}
	}()
}

func (m *Monitor) handle(e events.Event, msg any) {
	switch v := msg.(type) {
	case events.FeedFailure:
		if m.Metrics != nil {
			m.Metrics.IncrementFeedFailures()
		}
		m.alert(formatAlert(fmt.Sprintf("feed %s failed after %d reconnect attempts: %v", v.Timeframe, v.Attempts, v.Err)))
	case position.CompletedTrade:
		if m.Metrics != nil {
			m.Metrics.IncrementTrades()
		}
		m.Logger.Info("trade completed",
			zap.String("strategy", v.StrategyName),
			zap.String("timeframe", v.Timeframe),
			zap.String("exit_reason", v.ExitReason),
			zap.Float64("pnl", v.PnL))
	case string:
		if e == events.EventFeedRecovered {
			m.Logger.Info("feed recovered", zap.String("timeframe", v))
		}
	}
}

func (m *Monitor) alert(message string) {
	if err := m.Sink.Send(message); err != nil {
		m.Logger.Warn("alert delivery failed", zap.Error(err))
	}
}

func formatAlert(msg string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + msg
}

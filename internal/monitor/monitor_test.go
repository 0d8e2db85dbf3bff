package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/position"
)

type recordSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordSink) Send(m string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestMonitorCountsFailuresAndTrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	sink := &recordSink{}
	metrics := NewSystemMetrics()
	(&Monitor{Bus: bus, Metrics: metrics, Sink: sink}).Start(ctx)

	bus.Publish(events.EventFeedFailed, events.FeedFailure{Timeframe: "1m", Attempts: 10, Err: errors.New("eof")})
	bus.Publish(events.EventTradeCompleted, position.CompletedTrade{StrategyName: "r", Timeframe: "1m"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := metrics.GetSnapshot()
		if sink.count() == 1 && s.FeedFailures == 1 && s.TradesCompleted == 1 {
			if !strings.Contains(sink.msgs[0], "feed 1m failed") {
				t.Fatalf("alert=%q", sink.msgs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("alerts=%d snapshot=%+v", sink.count(), metrics.GetSnapshot())
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{10, 1, 2, 3, 4} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 4 || s.Min != 1 || s.Max != 4 || s.Avg != 2.5 {
		t.Fatalf("stats %+v", s)
	}
}

func TestRecordTickPerTimeframe(t *testing.T) {
	m := NewSystemMetrics()
	m.RecordTick("1m", 5*time.Millisecond, 2, false)
	m.RecordTick("1h", 50*time.Millisecond, 0, true)
	s := m.GetSnapshot()
	if s.TicksProcessed != 2 || s.SignalsGenerated != 2 || s.SlowTicks != 1 {
		t.Fatalf("snapshot %+v", s)
	}
	if s.TickLatency["1h"].Max != 50 || s.TickLatency["1m"].Count != 1 {
		t.Fatalf("latency %+v", s.TickLatency)
	}
}

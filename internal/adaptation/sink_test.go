package adaptation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/position"
)

type recordInvoker struct {
	mu      sync.Mutex
	methods []string
	args    []*structpb.Struct
	err     error
}

func (r *recordInvoker) Invoke(_ context.Context, method string, args, _ any, _ ...grpc.CallOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
	r.args = append(r.args, args.(*structpb.Struct))
	return r.err
}

func (r *recordInvoker) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.methods)
}

func TestTradeStruct(t *testing.T) {
	s, err := TradeStruct(position.CompletedTrade{ID: "t1", StrategyName: "rsi", Type: position.TypeShort, PnL: -1.5, IsWin: false, Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	f := s.GetFields()
	if f["side"].GetStringValue() != "SHORT" || f["pnl"].GetNumberValue() != -1.5 || f["duration_ms"].GetNumberValue() != 60000 {
		t.Fatalf("fields %v", f)
	}
}

func TestRunForwardsTrades(t *testing.T) {
	inv := &recordInvoker{err: errors.New("unavailable")}
	sink := NewSink(inv, nil)
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(events.EventTradeCompleted) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.EventTradeCompleted, position.CompletedTrade{ID: "a"})
	bus.Publish(events.EventTradeCompleted, position.CompletedTrade{ID: "b"})

	for inv.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if inv.calls() != 2 || inv.methods[0] != OnTradeMethod {
		t.Fatalf("calls=%d methods=%v", inv.calls(), inv.methods)
	}
}

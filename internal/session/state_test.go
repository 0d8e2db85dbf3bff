package session

import (
	"context"
	"testing"
	"time"

	"strategy-daemon/internal/strategy"
)

type perfStub struct{ got strategy.Filter }

func (p *perfStub) Performances(f strategy.Filter) []strategy.Performance {
	p.got = f
	return []strategy.Performance{{Name: "rsi", Timeframe: "1m", IsActive: !f.ForceInactive}}
}

func TestBuildStateWithoutHub(t *testing.T) {
	perf := &perfStub{}
	st := BuildState(nil, perf, StateRequest{Timeframe: "5m", UserEmail: "a@x.io"}, time.UnixMilli(42))
	if st.Connected || st.Price != 0 || len(st.Candles) != 0 || st.Timestamp != 42 {
		t.Fatalf("state %+v", st)
	}
	if perf.got.UserEmail != "a@x.io" || perf.got.ForceInactive {
		t.Fatalf("filter %+v", perf.got)
	}
}

func TestBuildStateAnonymousGetsDemoSet(t *testing.T) {
	perf := &perfStub{}
	st := BuildState(nil, perf, StateRequest{Timeframe: "1m", DemoUser: "demo@x.io"}, time.Now())
	if perf.got.UserEmail != "demo@x.io" || !perf.got.ForceInactive {
		t.Fatalf("filter %+v", perf.got)
	}
	if len(st.Strategies) != 1 || st.Strategies[0].IsActive {
		t.Fatalf("strategies %+v", st.Strategies)
	}
}

func TestBuildStateAnonymousWithoutDemoUser(t *testing.T) {
	perf := &perfStub{}
	st := BuildState(nil, perf, StateRequest{Timeframe: "1m"}, time.Now())
	if len(st.Strategies) != 0 {
		t.Fatalf("anonymous session without a demo user saw %+v", st.Strategies)
	}
	if perf.got != (strategy.Filter{}) {
		t.Fatalf("performances queried with %+v", perf.got)
	}
}

func TestBuildStateFromHub(t *testing.T) {
	_, _, hubs := newTestRegistry(t)
	h, err := hubs.GetOrCreate(context.Background(), "1m")
	if err != nil {
		t.Fatal(err)
	}
	st := BuildState(h, nil, StateRequest{Timeframe: "1m", Window: 50}, time.Now())
	if !st.Connected || len(st.Candles) != 50 {
		t.Fatalf("connected=%v candles=%d", st.Connected, len(st.Candles))
	}
	if st.Price != st.Candles[49].Close || st.Indicators["rsi"] == 0 {
		t.Fatalf("price=%v indicators=%v", st.Price, st.Indicators)
	}
}

package market

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockFeed generates synthetic random-walk candles for local development.
// Each timeframe has its own walk; a candle closes every TicksPerCandle updates.
type MockFeed struct {
	StartPrice     float64
	Step           float64
	Interval       time.Duration
	TicksPerCandle int

	mu     sync.Mutex
	prices map[string]float64
	rng    *rand.Rand
}

// NewMockFeed returns a feed with sensible defaults.
func NewMockFeed() *MockFeed {
	return &MockFeed{
		StartPrice:     100,
		Step:           0.5,
		Interval:       time.Second,
		TicksPerCandle: 5,
		prices:         make(map[string]float64),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockFeed) next(timeframe string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[timeframe]
	if !ok {
		p = m.StartPrice
	}
	p += (m.rng.Float64()*2 - 1) * m.Step
	if p <= 0 {
		p = m.Step
	}
	m.prices[timeframe] = p
	return p
}

func (m *MockFeed) step(timeframe string) time.Duration {
	if d := TimeframeDuration(timeframe); d > 0 {
		return d
	}
	return time.Minute
}

func (m *MockFeed) Backfill(_ context.Context, timeframe string, limit int) ([]Candle, error) {
	step := m.step(timeframe)
	start := time.Now().Truncate(step).Add(-time.Duration(limit) * step)
	out := make([]Candle, 0, limit)
	for i := 0; i < limit; i++ {
		open := m.next(timeframe)
		closePrice := m.next(timeframe)
		out = append(out, Candle{
			OpenTime: start.Add(time.Duration(i) * step).UnixMilli(),
			Open:     open,
			High:     max(open, closePrice) + m.Step/2,
			Low:      min(open, closePrice) - m.Step/2,
			Close:    closePrice,
			Volume:   10 + m.rng.Float64()*5,
			Closed:   true,
		})
	}
	return out, nil
}

func (m *MockFeed) Stream(ctx context.Context, timeframe string) (<-chan Candle, func(), error) {
	out := make(chan Candle, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	step := m.step(timeframe)
	ticks := m.TicksPerCandle
	if ticks <= 0 {
		ticks = 5
	}

	go func() {
		defer close(out)
		t := time.NewTicker(m.Interval)
		defer t.Stop()

		openTime := time.Now().Truncate(step)
		var cur Candle
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				price := m.next(timeframe)
				if n == 0 {
					cur = Candle{OpenTime: openTime.UnixMilli(), Open: price, High: price, Low: price}
				}
				n++
				cur.Close = price
				cur.High = max(cur.High, price)
				cur.Low = min(cur.Low, price)
				cur.Volume += 1
				cur.Closed = n >= ticks
				select {
				case out <- cur:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				if cur.Closed {
					n = 0
					openTime = openTime.Add(step)
				}
			}
		}
	}()
	return out, stop, nil
}

package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks daemon throughput and per-timeframe tick latency.
type SystemMetrics struct {
	mu          sync.RWMutex
	tickLatency map[string]*LatencyHistogram

	PersistLatency *LatencyHistogram

	ticksProcessed   atomic.Uint64
	ticksSkipped     atomic.Uint64
	slowTicks        atomic.Uint64
	signalsGenerated atomic.Uint64
	tradesCompleted  atomic.Uint64
	feedFailures     atomic.Uint64
	errorsCount      atomic.Uint64

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		tickLatency:    make(map[string]*LatencyHistogram),
		PersistLatency: NewLatencyHistogram(1000),
		startedAt:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// TickLatency returns the histogram for timeframe, creating it on first use.
func (m *SystemMetrics) TickLatency(timeframe string) *LatencyHistogram {
	m.mu.RLock()
	h, ok := m.tickLatency[timeframe]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.tickLatency[timeframe]; !ok {
		h = NewLatencyHistogram(500)
		m.tickLatency[timeframe] = h
	}
	return h
}

// RecordTick records one analysis tick for timeframe.
func (m *SystemMetrics) RecordTick(timeframe string, d time.Duration, signals int, slow bool) {
	m.TickLatency(timeframe).RecordDuration(d)
	m.ticksProcessed.Add(1)
	m.signalsGenerated.Add(uint64(signals))
	if slow {
		m.slowTicks.Add(1)
	}
}

// IncrementSkipped counts ticks skipped for insufficient data.
func (m *SystemMetrics) IncrementSkipped() { m.ticksSkipped.Add(1) }

// IncrementTrades counts completed trades.
func (m *SystemMetrics) IncrementTrades() { m.tradesCompleted.Add(1) }

// IncrementFeedFailures counts hubs that exhausted reconnects.
func (m *SystemMetrics) IncrementFeedFailures() { m.feedFailures.Add(1) }

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() { m.errorsCount.Add(1) }

// MetricsSnapshot is a point-in-time view for the status endpoint.
type MetricsSnapshot struct {
	TickLatency      map[string]LatencyStats `json:"tick_latency"`
	PersistLatency   LatencyStats            `json:"persist_latency"`
	TicksProcessed   uint64                  `json:"ticks_processed"`
	TicksSkipped     uint64                  `json:"ticks_skipped"`
	SlowTicks        uint64                  `json:"slow_ticks"`
	SignalsGenerated uint64                  `json:"signals_generated"`
	TradesCompleted  uint64                  `json:"trades_completed"`
	FeedFailures     uint64                  `json:"feed_failures"`
	ErrorsCount      uint64                  `json:"errors_count"`
	GoroutineCount   int                     `json:"goroutine_count"`
	HeapAlloc        uint64                  `json:"heap_alloc_bytes"`
	HeapSys          uint64                  `json:"heap_sys_bytes"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	Timestamp        time.Time               `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	ticks := make(map[string]LatencyStats, len(m.tickLatency))
	hists := make(map[string]*LatencyHistogram, len(m.tickLatency))
	for tf, h := range m.tickLatency {
		hists[tf] = h
	}
	m.mu.RUnlock()
	for tf, h := range hists {
		ticks[tf] = h.Stats()
	}

	return MetricsSnapshot{
		TickLatency:      ticks,
		PersistLatency:   m.PersistLatency.Stats(),
		TicksProcessed:   m.ticksProcessed.Load(),
		TicksSkipped:     m.ticksSkipped.Load(),
		SlowTicks:        m.slowTicks.Load(),
		SignalsGenerated: m.signalsGenerated.Load(),
		TradesCompleted:  m.tradesCompleted.Load(),
		FeedFailures:     m.feedFailures.Load(),
		ErrorsCount:      m.errorsCount.Load(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

package binance

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// usedWeightHeader reports request weight consumed in the current minute.
const usedWeightHeader = "X-Mbx-Used-Weight-1m"

// WeightTracker tracks REST weight usage reported by Binance so that a burst
// of backfills (one per timeframe at startup or after reconnects) backs off
// before the venue starts answering 429/418.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
	now           func() time.Time
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (1200 spot, 2400 futures)
// resetInterval: time window (1 minute)
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		now:           time.Now,
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.now().Sub(w.lastReset) >= w.resetInterval {
		w.lastReset = w.now()
	}
	w.usedWeight = weight
}

// Usage returns current usage information.
func (w *WeightTracker) Usage() (used int, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.now().Sub(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}

// ShouldDelay reports usage at or above 90%.
func (w *WeightTracker) ShouldDelay() bool {
	_, _, pct := w.Usage()
	return pct >= 90
}

// Wait blocks until the current window resets when usage is critical.
func (w *WeightTracker) Wait(ctx context.Context) error {
	if !w.ShouldDelay() {
		return nil
	}
	w.mu.RLock()
	remaining := w.resetInterval - w.now().Sub(w.lastReset)
	w.mu.RUnlock()
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

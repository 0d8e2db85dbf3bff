package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"strategy-daemon/internal/engine"
	"strategy-daemon/internal/monitor"
	"strategy-daemon/internal/strategy"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// errorStatus maps control errors to HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, strategy.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, strategy.ErrAmbiguous):
		return http.StatusBadRequest, "TIMEFRAME_REQUIRED"
	case errors.Is(err, strategy.ErrExists):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, strategy.ErrInvalidConfig):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func respondControlError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	respondError(c, status, code, err.Error())
}

// listStrategies returns the caller's strategies, optionally for one timeframe.
func (s *Server) listStrategies(c *gin.Context) {
	list := s.Control.ListStrategies(c.Request.Context(), CurrentUserEmail(c), c.Query("timeframe"))
	if list == nil {
		list = []strategy.Performance{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getStrategy(c *gin.Context) {
	p, err := s.Control.GetStrategy(c.Request.Context(), CurrentUserEmail(c), c.Param("name"), c.Query("timeframe"))
	if err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) createStrategy(c *gin.Context) {
	var req engine.CreateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if err := s.Control.CreateStrategy(c.Request.Context(), CurrentUserEmail(c), req); err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"name":      req.Name,
		"timeframe": req.Timeframe,
		"type":      req.Type,
		"isActive":  false,
	})
}

func (s *Server) toggleStrategy(c *gin.Context) {
	active, err := s.Control.ToggleStrategy(c.Request.Context(), CurrentUserEmail(c), c.Param("name"), c.Query("timeframe"))
	if err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "isActive": active})
}

func (s *Server) resetStrategy(c *gin.Context) {
	if err := s.Control.ResetStrategy(c.Request.Context(), CurrentUserEmail(c), c.Param("name"), c.Query("timeframe")); err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) updateStrategyConfig(c *gin.Context) {
	var patch strategy.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	err := s.Control.UpdateStrategyConfig(c.Request.Context(), CurrentUserEmail(c), c.Param("name"), c.Query("timeframe"), patch)
	if err != nil {
		respondControlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Control.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "sd_ticks_processed_total %d\n", snapshot.TicksProcessed)
	fmt.Fprintf(&b, "sd_ticks_skipped_total %d\n", snapshot.TicksSkipped)
	fmt.Fprintf(&b, "sd_slow_ticks_total %d\n", snapshot.SlowTicks)
	fmt.Fprintf(&b, "sd_signals_generated_total %d\n", snapshot.SignalsGenerated)
	fmt.Fprintf(&b, "sd_trades_completed_total %d\n", snapshot.TradesCompleted)
	fmt.Fprintf(&b, "sd_feed_failures_total %d\n", snapshot.FeedFailures)
	fmt.Fprintf(&b, "sd_errors_total %d\n", snapshot.ErrorsCount)

	// Gauges for latency (ms)
	writeLatency := func(name, labels string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "sd_%s_latency_ms_avg%s %f\n", name, labels, ls.Avg)
		fmt.Fprintf(&b, "sd_%s_latency_ms_p95%s %f\n", name, labels, ls.P95)
		fmt.Fprintf(&b, "sd_%s_latency_ms_p99%s %f\n", name, labels, ls.P99)
	}
	tfs := make([]string, 0, len(snapshot.TickLatency))
	for tf := range snapshot.TickLatency {
		tfs = append(tfs, tf)
	}
	sort.Strings(tfs)
	for _, tf := range tfs {
		writeLatency("tick", fmt.Sprintf("{timeframe=%q}", tf), snapshot.TickLatency[tf])
	}
	writeLatency("persist", "", snapshot.PersistLatency)

	if s.Sessions != nil {
		fmt.Fprintf(&b, "sd_sessions %d\n", s.Sessions.Count())
	}
	fmt.Fprintf(&b, "sd_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "sd_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-daemon/internal/engine"
	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/monitor"
	"strategy-daemon/internal/session"
	"strategy-daemon/pkg/db"
)

// HubSource exposes the already-open hub for a timeframe.
type HubSource interface {
	Get(timeframe string) (*hub.Hub, bool)
}

// Server wires HTTP and websocket endpoints around the control service.
type Server struct {
	Router       *gin.Engine
	Control      engine.Service
	Sessions     *session.Registry
	Hubs         HubSource
	Performances session.PerformanceSource
	Bus          *events.Bus
	Metrics      *monitor.SystemMetrics
	DB           *db.Database
	JWTSecret    string
	Logger       *zap.Logger

	PushInterval     time.Duration
	DemoUser         string
	DefaultTimeframe string

	limiters *ipLimiters
}

// Config carries the server dependencies.
type Config struct {
	Control          engine.Service
	Sessions         *session.Registry
	Hubs             HubSource
	Performances     session.PerformanceSource
	Bus              *events.Bus
	Metrics          *monitor.SystemMetrics
	DB               *db.Database
	JWTSecret        string
	Logger           *zap.Logger
	PushInterval     time.Duration
	DemoUser         string
	DefaultTimeframe string
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 500 * time.Millisecond
	}
	r := gin.New()

	s := &Server{
		Router:           r,
		Control:          cfg.Control,
		Sessions:         cfg.Sessions,
		Hubs:             cfg.Hubs,
		Performances:     cfg.Performances,
		Bus:              cfg.Bus,
		Metrics:          cfg.Metrics,
		DB:               cfg.DB,
		JWTSecret:        cfg.JWTSecret,
		Logger:           logger.Named("api"),
		PushInterval:     cfg.PushInterval,
		DemoUser:         cfg.DemoUser,
		DefaultTimeframe: cfg.DefaultTimeframe,
		limiters:         newIPLimiters(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                     // Panic recovery (first)
	r.Use(RequestIDMiddleware())              // Request ID tracking
	r.Use(RequestLogger(s.Logger, s.Metrics)) // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiters, s.Logger))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	// Websocket stays outside the timeout middleware; it lives as long as the client.
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30*time.Second, s.Logger))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/strategies/:name", s.getStrategy)
			protected.POST("/strategies/:name/toggle", s.toggleStrategy)
			protected.POST("/strategies/:name/reset", s.resetStrategy)
			protected.PUT("/strategies/:name/config", s.updateStrategyConfig)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.limiters.stop()
	return nil
}

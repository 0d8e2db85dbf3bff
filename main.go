package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strategy-daemon/internal/adaptation"
	"strategy-daemon/internal/api"
	"strategy-daemon/internal/daemon"
	"strategy-daemon/internal/engine"
	"strategy-daemon/internal/events"
	"strategy-daemon/internal/export"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/monitor"
	"strategy-daemon/internal/persistence"
	"strategy-daemon/internal/session"
	"strategy-daemon/internal/strategy"
	"strategy-daemon/pkg/config"
	"strategy-daemon/pkg/db"
	"strategy-daemon/pkg/instance"
	"strategy-daemon/pkg/logger"
)

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v1.0-dev"
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "strategy-daemon",
		Short:         "Multi-timeframe market data hub and autonomous strategy scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML/JSON config file")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed strategies, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			database, err := openDatabase(cfg.DBPath, log)
			if err != nil {
				return err
			}
			defer database.Close()
			store := persistence.NewStore(database, nil, log)
			return seedStrategies(cmd.Context(), store, cfg, log)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDatabase(path string, log *zap.Logger) (*db.Database, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	database, err := db.New(path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("database ready", zap.String("path", path))
	return database, nil
}

func seedStrategies(ctx context.Context, store *persistence.Store, cfg *config.Config, log *zap.Logger) error {
	entries, err := strategy.LoadConfigFile(cfg.StrategiesFile)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		log.Info("no strategy seed file", zap.String("path", cfg.StrategiesFile))
		return nil
	}
	n, err := strategy.SeedStore(ctx, store, entries, cfg.DemoUserEmail)
	if err != nil {
		// Invalid entries are skipped; the valid ones are already stored.
		log.Warn("some strategy entries were skipped", zap.Error(err))
	}
	log.Info("strategies seeded", zap.Int("count", n), zap.String("path", cfg.StrategiesFile))
	return nil
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	version := buildVersion()
	instanceID := instance.ID()
	log.Info("starting strategy daemon",
		zap.String("version", version),
		zap.String("instance", instanceID),
		zap.String("symbol", cfg.Symbol),
		zap.Strings("timeframes", cfg.Timeframes),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	// Persistence
	database, err := openDatabase(cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer database.Close()
	writer := persistence.NewBatchWriter(database.DB, 100, 500*time.Millisecond, log)
	defer func() { err = multierr.Append(err, writer.Close()) }()
	store := persistence.NewStore(database, writer, log)
	if err := seedStrategies(ctx, store, cfg, log); err != nil {
		return err
	}

	// Strategies
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	strategies := strategy.NewEngine(store, bus, log, strategy.Options{
		FeeRate:          cfg.FeeRate,
		CheckpointWindow: cfg.CheckpointWindow,
	})
	if err := strategies.LoadAll(ctx); err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	total, active := strategies.Counts()
	log.Info("strategies loaded", zap.Int("total", total), zap.Int("active", active))

	// Market data
	var feed market.Feed
	if cfg.UseMockFeed {
		feed = market.NewMockFeed()
	} else {
		feed = market.NewBinanceFeed(cfg.Symbol, cfg.Market, cfg.Testnet, log)
	}
	hubs := hub.NewRegistry(feed, indicators.NewEngine(cfg.MinCandles), bus, log, hub.Options{
		BufferSize:           cfg.HubBufferSize,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	defer func() { err = multierr.Append(err, hubs.Close()) }()

	sessions := session.NewRegistry(hubs, log, cfg.SessionIdleTTL, cfg.SessionSweepInterval)
	defer sessions.Close()
	go sessions.Run(ctx)

	(&monitor.Monitor{Bus: bus, Metrics: metrics, Logger: log.Named("monitor")}).Start(ctx)

	fwd := startConsumers(ctx, cfg, bus, log)

	// Scheduler
	d := daemon.New(hubs, strategies, bus, metrics, database, log, daemon.Options{
		Timeframes:         cfg.Timeframes,
		MinCandles:         cfg.MinCandles,
		CheckpointInterval: cfg.CheckpointInterval,
		StartRetryDelay:    cfg.ReconnectDelay,
		StartRetryAttempts: cfg.MaxReconnectAttempts,
		InstanceID:         instanceID,
		Version:            version,
		OnSchedule: func(_ string, h *hub.Hub) {
			if fwd != nil {
				fwd.Attach(ctx, h)
			}
		},
	})
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer d.Stop()

	// Control surface
	control := engine.NewImpl(engine.Config{
		Strategies: strategies,
		Hubs:       hubs,
		Sessions:   sessions,
		Writer:     writer,
		Bus:        bus,
		Logger:     log,
		Meta: engine.Meta{
			Mode:        "PAPER",
			Symbol:      cfg.Symbol,
			Market:      cfg.Market,
			Timeframes:  cfg.Timeframes,
			UseMockFeed: cfg.UseMockFeed,
			Testnet:     cfg.Testnet,
			Version:     version,
			InstanceID:  instanceID,
		},
	})
	server := api.NewServer(api.Config{
		Control:          control,
		Sessions:         sessions,
		Hubs:             hubs,
		Performances:     strategies,
		Bus:              bus,
		Metrics:          metrics,
		DB:               database,
		JWTSecret:        cfg.JWTSecret,
		Logger:           log,
		PushInterval:     cfg.PushInterval,
		DemoUser:         cfg.DemoUserEmail,
		DefaultTimeframe: cfg.Timeframes[0],
	})
	if err := server.Run(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("shutting down")
	return nil
}

// startConsumers wires the optional trade and snapshot consumers. Each one
// that fails to connect is logged and left out. The returned forwarder is nil
// when no exporter is configured; hubs are attached to it as the daemon
// schedules them.
func startConsumers(ctx context.Context, cfg *config.Config, bus *events.Bus, log *zap.Logger) *export.Forwarder {
	if cfg.AdaptationAddr != "" {
		sink, err := adaptation.Dial(cfg.AdaptationAddr, log)
		if err != nil {
			log.Warn("adaptation consumer disabled", zap.Error(err))
		} else {
			go func() {
				sink.Run(ctx, bus)
				_ = sink.Close()
			}()
		}
	}

	var sinks []export.Sink
	if cfg.InfluxURL != "" {
		influx, err := export.NewInflux(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, cfg.Symbol, log)
		if err != nil {
			log.Warn("influx export disabled", zap.Error(err))
		} else {
			sinks = append(sinks, influx)
		}
	}
	if cfg.RedisAddr != "" {
		mirror, err := export.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.Symbol, log)
		if err != nil {
			log.Warn("redis mirror disabled", zap.Error(err))
		} else {
			sinks = append(sinks, mirror)
		}
	}
	fwd := export.NewForwarder(log, sinks...)
	if fwd == nil {
		return nil
	}
	go func() {
		fwd.Run(ctx, bus)
		if err := fwd.Close(); err != nil {
			log.Warn("close exporters", zap.Error(err))
		}
	}()
	return fwd
}

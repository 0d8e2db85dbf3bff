package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"strategy-daemon/pkg/config"
	"strategy-daemon/pkg/db"
	"strategy-daemon/pkg/instance"
	"strategy-daemon/pkg/market/binance"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var requiredTables = []string{"users", "strategies", "strategy_trades", "strategy_positions", "strategy_signals", "daemon_heartbeats"}

func main() {
	fmt.Println("strategy-daemon health check")
	fmt.Println("============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services, checkDatabase(ctx, cfg))
		if !cfg.UseMockFeed {
			report.Services = append(report.Services, checkBinance(ctx, cfg))
		}
		report.Services = append(report.Services, checkAPIServer(ctx, cfg))
	}

	// Determine overall status
	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}
	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}
	status.Message = fmt.Sprintf("Port=%s Symbol=%s Timeframes=%s", cfg.Port, cfg.Symbol, strings.Join(cfg.Timeframes, ","))
	return cfg, status
}

// checkDatabase verifies the schema and that this host's daemon heartbeat is fresh.
func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}
	var missing []string
	for _, table := range requiredTables {
		var name string
		err := database.DB.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		status.Status = "UNHEALTHY"
		status.Message = "Missing tables: " + strings.Join(missing, ", ") + " (run `strategy-daemon migrate`)"
		return status
	}

	hb, err := database.Queries().GetHeartbeat(ctx, instance.ID())
	switch {
	case errors.Is(err, db.ErrNotFound):
		status.Status = "DEGRADED"
		status.Message = "Schema ok, no heartbeat from this host"
	case err != nil:
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Heartbeat read failed: %v", err)
	case time.Since(hb.LastBeat) > 2*time.Minute:
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Last heartbeat %s ago (version %s)", time.Since(hb.LastBeat).Round(time.Second), hb.Version)
	default:
		status.Message = fmt.Sprintf("Schema ok, heartbeat %s ago", time.Since(hb.LastBeat).Round(time.Second))
	}
	return status
}

func checkBinance(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Binance klines")
	type fetcher interface {
		GetKlines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
	}
	var client fetcher = binance.NewClient(cfg.Testnet)
	if cfg.Market == "futures" {
		client = binance.NewFuturesClient(cfg.Testnet)
	}
	klines, err := client.GetKlines(ctx, cfg.Symbol, cfg.Timeframes[0], 1)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Backfill failed: %v", err)
		return status
	}
	network := "MAINNET"
	if cfg.Testnet {
		network = "TESTNET"
	}
	status.Message = fmt.Sprintf("%s %s %s returned %d kline(s)", network, cfg.Market, cfg.Symbol, len(klines))
	return status
}

// checkAPIServer reports DEGRADED when any hub has given up reconnecting.
func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	client := &http.Client{Timeout: 5 * time.Second}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/api/system/status", cfg.Port), nil)
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	var body struct {
		Hubs []struct {
			Timeframe string `json:"timeframe"`
			Failed    bool   `json:"failed"`
		} `json:"hubs"`
		Sessions int `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Bad status payload: %v", err)
		return status
	}
	var failed []string
	for _, h := range body.Hubs {
		if h.Failed {
			failed = append(failed, h.Timeframe)
		}
	}
	if len(failed) > 0 {
		status.Status = "DEGRADED"
		status.Message = "Failed feeds: " + strings.Join(failed, ",")
		return status
	}
	status.Message = fmt.Sprintf("Running, %d hub(s), %d session(s)", len(body.Hubs), body.Sessions)
	return status
}

package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestSeedStrategyKeepsActivation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	row := StrategyRow{UserEmail: "a@x", Name: "ma", Timeframe: "1m", Type: "ma_cross", Config: `{"fast_period":5}`}
	if err := database.SeedStrategy(ctx, row); err != nil {
		t.Fatalf("seed: %v", err)
	}
	now := time.Now()
	if err := database.SetStrategyActivation(ctx, "a@x", "ma", "1m", true, &now, 1234); err != nil {
		t.Fatalf("activate: %v", err)
	}

	row.Config = `{"fast_period":7}`
	if err := database.SeedStrategy(ctx, row); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	list, err := database.Queries().ListStrategies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(list))
	}
	got := list[0]
	if !got.IsActive || got.TotalActiveMs != 1234 || got.ActivatedAt == nil {
		t.Fatalf("activation overwritten: %+v", got)
	}
	if got.Config != `{"fast_period":7}` {
		t.Fatalf("config not refreshed: %s", got.Config)
	}
}

func TestCreateStrategyDuplicate(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	row := StrategyRow{UserEmail: "a@x", Name: "rsi", Timeframe: "5m", Type: "rsi", Config: "{}"}
	if err := database.CreateStrategy(ctx, row); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := database.CreateStrategy(ctx, row); !errors.Is(err, ErrStrategyExists) {
		t.Fatalf("expected ErrStrategyExists, got %v", err)
	}
}

func TestSetActivationMissingRow(t *testing.T) {
	database := newTestDB(t)
	err := database.SetStrategyActivation(context.Background(), "nobody", "x", "1m", false, nil, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetStrategyClearsHistory(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Queries()

	if err := database.SeedStrategy(ctx, StrategyRow{UserEmail: "a@x", Name: "ma", Timeframe: "1m", Type: "ma_cross", Config: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := database.SetStrategyActivation(ctx, "a@x", "ma", "1m", true, nil, 5000); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	trade := TradeRow{
		ID: "t1", UserEmail: "a@x", StrategyName: "ma", Timeframe: "1m", PositionType: "LONG",
		EntryPrice: 100, EntryTime: now.Add(-time.Minute), ExitPrice: 102, ExitTime: now,
		Quantity: 1, PnL: 1.798, PnLPercent: 1.798, Fees: 0.202, DurationMs: 60000, IsWin: true,
	}
	if err := database.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	query, args := UpsertPositionStmt(PositionRow{UserEmail: "a@x", StrategyName: "ma", Timeframe: "1m", PositionType: "SHORT", EntryPrice: 101, EntryTime: now, Quantity: 1})
	if _, err := database.DB.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("upsert position: %v", err)
	}

	if err := database.ResetStrategy(ctx, "a@x", "ma", "1m", &now); err != nil {
		t.Fatalf("reset: %v", err)
	}

	trades, err := q.ListTrades(ctx)
	if err != nil {
		t.Fatal(err)
	}
	positions, err := q.ListPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 || len(positions) != 0 {
		t.Fatalf("expected empty history, got %d trades %d positions", len(trades), len(positions))
	}
	list, _ := q.ListStrategies(ctx)
	if list[0].TotalActiveMs != 0 {
		t.Fatalf("expected clock reset, got %d", list[0].TotalActiveMs)
	}
}

func TestTradeRoundTripFields(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	entry := time.UnixMilli(1_700_000_000_000)
	exit := entry.Add(90 * time.Second)
	if err := database.InsertTrade(ctx, TradeRow{
		ID: "t1", UserEmail: "a@x", StrategyName: "ma", Timeframe: "1m", PositionType: "SHORT",
		EntryPrice: 100, EntryTime: entry, EntryReason: "cross down", ExitPrice: 99, ExitTime: exit, ExitReason: "take_profit",
		Quantity: 2, PnL: 1.6, PnLPercent: 0.8, Fees: 0.4, DurationMs: 90000, IsWin: true,
	}); err != nil {
		t.Fatal(err)
	}
	trades, err := database.Queries().ListTrades(ctx)
	if err != nil || len(trades) != 1 {
		t.Fatalf("list trades: %v len=%d", err, len(trades))
	}
	got := trades[0]
	if !got.EntryTime.Equal(entry) || !got.ExitTime.Equal(exit) || !got.IsWin || got.ExitReason != "take_profit" {
		t.Fatalf("unexpected trade: %+v", got)
	}
}

func TestUsersAndHeartbeat(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Queries()

	u, err := q.GetUserByEmail(ctx, "missing@x")
	if err != nil || u != nil {
		t.Fatalf("expected nil user, got %v %v", u, err)
	}
	if err := database.CreateUser(ctx, User{ID: "u1", Email: "a@x", PasswordHash: "h"}); err != nil {
		t.Fatal(err)
	}
	u, err = q.GetUserByID(ctx, "u1")
	if err != nil || u == nil || u.Email != "a@x" {
		t.Fatalf("GetUserByID: %v %v", u, err)
	}

	if _, err := q.GetHeartbeat(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	now := time.Now()
	if err := database.UpsertHeartbeat(ctx, Heartbeat{InstanceID: "i1", Version: "dev", StartedAt: now, LastBeat: now}); err != nil {
		t.Fatal(err)
	}
	hb, err := q.GetHeartbeat(ctx, "i1")
	if err != nil || hb.Version != "dev" {
		t.Fatalf("heartbeat: %+v %v", hb, err)
	}
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User represents a control-API account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StrategyRow is one configured (user, name, timeframe) strategy.
type StrategyRow struct {
	UserEmail     string
	Name          string
	Timeframe     string
	Type          string
	Config        string // JSON
	IsActive      bool
	ActivatedAt   *time.Time
	TotalActiveMs int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TradeRow is a completed round trip.
type TradeRow struct {
	ID           string
	UserEmail    string
	StrategyName string
	Timeframe    string
	PositionType string
	EntryPrice   float64
	EntryTime    time.Time
	EntryReason  string
	ExitPrice    float64
	ExitTime     time.Time
	ExitReason   string
	Quantity     float64
	PnL          float64
	PnLPercent   float64
	Fees         float64
	DurationMs   int64
	IsWin        bool
}

// PositionRow is an open position snapshot.
type PositionRow struct {
	UserEmail    string
	StrategyName string
	Timeframe    string
	PositionType string
	EntryPrice   float64
	EntryTime    time.Time
	EntryReason  string
	Quantity     float64
	UpdatedAt    time.Time
}

// SignalRow is an emitted BUY/SELL signal.
type SignalRow struct {
	ID           string
	UserEmail    string
	StrategyName string
	Timeframe    string
	SignalType   string
	Price        float64
	Reason       string
	Indicators   string // JSON
	CreatedAt    time.Time
}

// Heartbeat marks a running daemon instance.
type Heartbeat struct {
	InstanceID string
	Version    string
	StartedAt  time.Time
	LastBeat   time.Time
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateUser inserts a new user.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
INSERT INTO users (id, email, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, ms(u.CreatedAt), ms(now))
	return err
}

// SeedStrategy inserts a strategy or refreshes its type/config, leaving activation untouched.
func (d *Database) SeedStrategy(ctx context.Context, s StrategyRow) error {
	now := time.Now()
	_, err := d.DB.ExecContext(ctx, `
INSERT INTO strategies (user_email, name, timeframe, strategy_type, config, is_active, activated_at, total_active_ms, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(user_email, name, timeframe) DO UPDATE SET
    strategy_type=excluded.strategy_type,
    config=excluded.config,
    updated_at=excluded.updated_at`,
		s.UserEmail, s.Name, s.Timeframe, s.Type, s.Config, boolInt(s.IsActive), nullMs(s.ActivatedAt), ms(now), ms(now))
	return err
}

// ErrStrategyExists is returned by CreateStrategy when the key is taken.
var ErrStrategyExists = errors.New("strategy already exists")

// CreateStrategy inserts a new strategy row and fails if the key exists.
func (d *Database) CreateStrategy(ctx context.Context, s StrategyRow) error {
	now := time.Now()
	res, err := d.DB.ExecContext(ctx, `
INSERT INTO strategies (user_email, name, timeframe, strategy_type, config, is_active, activated_at, total_active_ms, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(user_email, name, timeframe) DO NOTHING`,
		s.UserEmail, s.Name, s.Timeframe, s.Type, s.Config, boolInt(s.IsActive), nullMs(s.ActivatedAt), ms(now), ms(now))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStrategyExists
	}
	return nil
}

// UpdateStrategyConfig replaces the stored config JSON.
func (d *Database) UpdateStrategyConfig(ctx context.Context, userEmail, name, timeframe, config string) error {
	res, err := d.DB.ExecContext(ctx, `
UPDATE strategies SET config=?, updated_at=? WHERE user_email=? AND name=? AND timeframe=?`,
		config, ms(time.Now()), userEmail, name, timeframe)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetStrategyActivation persists the active flag and the active-time clock.
func (d *Database) SetStrategyActivation(ctx context.Context, userEmail, name, timeframe string, active bool, activatedAt *time.Time, totalActiveMs int64) error {
	res, err := d.DB.ExecContext(ctx, `
UPDATE strategies SET is_active=?, activated_at=?, total_active_ms=?, updated_at=?
WHERE user_email=? AND name=? AND timeframe=?`,
		boolInt(active), nullMs(activatedAt), totalActiveMs, ms(time.Now()), userEmail, name, timeframe)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetStrategy deletes trade history and the open position, and restarts the clock.
func (d *Database) ResetStrategy(ctx context.Context, userEmail, name, timeframe string, activatedAt *time.Time) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_trades WHERE user_email=? AND strategy_name=? AND timeframe=?`, userEmail, name, timeframe); err != nil {
		return fmt.Errorf("delete trades: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_positions WHERE user_email=? AND strategy_name=? AND timeframe=?`, userEmail, name, timeframe); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE strategies SET total_active_ms=0, activated_at=?, updated_at=?
WHERE user_email=? AND name=? AND timeframe=?`,
		nullMs(activatedAt), ms(time.Now()), userEmail, name, timeframe)
	if err != nil {
		return fmt.Errorf("reset clock: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertTrade records a completed trade.
func (d *Database) InsertTrade(ctx context.Context, t TradeRow) error {
	_, err := d.DB.ExecContext(ctx, `
INSERT INTO strategy_trades (id, user_email, strategy_name, timeframe, position_type, entry_price, entry_time, entry_reason,
    exit_price, exit_time, exit_reason, quantity, pnl, pnl_percent, fees, duration_ms, is_win)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserEmail, t.StrategyName, t.Timeframe, t.PositionType, t.EntryPrice, ms(t.EntryTime), t.EntryReason,
		t.ExitPrice, ms(t.ExitTime), t.ExitReason, t.Quantity, t.PnL, t.PnLPercent, t.Fees, t.DurationMs, boolInt(t.IsWin))
	return err
}

// UpsertPositionStmt returns the statement writing an open position; used by batch writers.
func UpsertPositionStmt(p PositionRow) (string, []any) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return `
INSERT INTO strategy_positions (user_email, strategy_name, timeframe, position_type, entry_price, entry_time, entry_reason, quantity, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_email, strategy_name, timeframe) DO UPDATE SET
    position_type=excluded.position_type,
    entry_price=excluded.entry_price,
    entry_time=excluded.entry_time,
    entry_reason=excluded.entry_reason,
    quantity=excluded.quantity,
    updated_at=excluded.updated_at`,
		[]any{p.UserEmail, p.StrategyName, p.Timeframe, p.PositionType, p.EntryPrice, ms(p.EntryTime), p.EntryReason, p.Quantity, ms(p.UpdatedAt)}
}

// DeletePositionStmt returns the statement removing an open position.
func DeletePositionStmt(userEmail, name, timeframe string) (string, []any) {
	return `DELETE FROM strategy_positions WHERE user_email=? AND strategy_name=? AND timeframe=?`,
		[]any{userEmail, name, timeframe}
}

// InsertSignalStmt returns the statement recording a signal.
func InsertSignalStmt(s SignalRow) (string, []any) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return `
INSERT INTO strategy_signals (id, user_email, strategy_name, timeframe, signal_type, price, reason, indicators, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		[]any{s.ID, s.UserEmail, s.StrategyName, s.Timeframe, s.SignalType, s.Price, s.Reason, s.Indicators, ms(s.CreatedAt)}
}

// UpsertHeartbeat refreshes the instance heartbeat row.
func (d *Database) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := d.DB.ExecContext(ctx, `
INSERT INTO daemon_heartbeats (instance_id, version, started_at, last_beat)
VALUES (?, ?, ?, ?)
ON CONFLICT(instance_id) DO UPDATE SET
    version=excluded.version,
    started_at=excluded.started_at,
    last_beat=excluded.last_beat`,
		hb.InstanceID, hb.Version, ms(hb.StartedAt), ms(hb.LastBeat))
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

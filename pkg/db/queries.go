package db

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Queries groups the read paths.
type Queries struct {
	db *sql.DB
}

// Queries returns the read-side helper.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB}
}

// GetUserByEmail returns nil, nil when the user does not exist.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email=?`, email)
	return scanUser(row)
}

// GetUserByID returns nil, nil when the user does not exist.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u                User
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = fromMs(created)
	u.UpdatedAt = fromMs(updated)
	return &u, nil
}

// ListStrategies returns every configured strategy.
func (q *Queries) ListStrategies(ctx context.Context) ([]StrategyRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT user_email, name, timeframe, strategy_type, config, is_active, activated_at, total_active_ms, created_at, updated_at
FROM strategies ORDER BY created_at, name, timeframe`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyRow
	for rows.Next() {
		var (
			s                StrategyRow
			active           int
			activatedAt      sql.NullInt64
			created, updated int64
		)
		if err := rows.Scan(&s.UserEmail, &s.Name, &s.Timeframe, &s.Type, &s.Config, &active, &activatedAt, &s.TotalActiveMs, &created, &updated); err != nil {
			return nil, err
		}
		s.IsActive = active == 1
		if activatedAt.Valid {
			t := fromMs(activatedAt.Int64)
			s.ActivatedAt = &t
		}
		s.CreatedAt = fromMs(created)
		s.UpdatedAt = fromMs(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListTrades returns all completed trades oldest first, in one query.
func (q *Queries) ListTrades(ctx context.Context) ([]TradeRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, user_email, strategy_name, timeframe, position_type, entry_price, entry_time, COALESCE(entry_reason, ''),
    exit_price, exit_time, COALESCE(exit_reason, ''), quantity, pnl, pnl_percent, fees, duration_ms, is_win
FROM strategy_trades ORDER BY exit_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var (
			t                   TradeRow
			entryTime, exitTime int64
			win                 int
		)
		if err := rows.Scan(&t.ID, &t.UserEmail, &t.StrategyName, &t.Timeframe, &t.PositionType, &t.EntryPrice, &entryTime, &t.EntryReason,
			&t.ExitPrice, &exitTime, &t.ExitReason, &t.Quantity, &t.PnL, &t.PnLPercent, &t.Fees, &t.DurationMs, &win); err != nil {
			return nil, err
		}
		t.EntryTime = fromMs(entryTime)
		t.ExitTime = fromMs(exitTime)
		t.IsWin = win == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListPositions returns all open positions in one query.
func (q *Queries) ListPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT user_email, strategy_name, timeframe, position_type, entry_price, entry_time, COALESCE(entry_reason, ''), quantity, updated_at
FROM strategy_positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var (
			p                  PositionRow
			entryTime, updated int64
		)
		if err := rows.Scan(&p.UserEmail, &p.StrategyName, &p.Timeframe, &p.PositionType, &p.EntryPrice, &entryTime, &p.EntryReason, &p.Quantity, &updated); err != nil {
			return nil, err
		}
		p.EntryTime = fromMs(entryTime)
		p.UpdatedAt = fromMs(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountSignals returns how many signals were recorded for a strategy key.
func (q *Queries) CountSignals(ctx context.Context, userEmail, name, timeframe string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM strategy_signals WHERE user_email=? AND strategy_name=? AND timeframe=?`,
		userEmail, name, timeframe).Scan(&n)
	return n, err
}

// GetHeartbeat returns ErrNotFound when the instance never reported.
func (q *Queries) GetHeartbeat(ctx context.Context, instanceID string) (*Heartbeat, error) {
	var (
		hb                Heartbeat
		version           sql.NullString
		started, lastBeat int64
	)
	err := q.db.QueryRowContext(ctx, `SELECT instance_id, version, started_at, last_beat FROM daemon_heartbeats WHERE instance_id=?`, instanceID).
		Scan(&hb.InstanceID, &version, &started, &lastBeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hb.Version = version.String
	hb.StartedAt = fromMs(started)
	hb.LastBeat = fromMs(lastBeat)
	return &hb, nil
}

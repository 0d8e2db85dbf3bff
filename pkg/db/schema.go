package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategies (
    user_email TEXT NOT NULL,
    name TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    strategy_type TEXT NOT NULL,
    config TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    activated_at INTEGER,
    total_active_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_email, name, timeframe)
);

CREATE TABLE IF NOT EXISTS strategy_trades (
    id TEXT PRIMARY KEY,
    user_email TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    position_type TEXT NOT NULL,
    entry_price REAL NOT NULL,
    entry_time INTEGER NOT NULL,
    entry_reason TEXT,
    exit_price REAL NOT NULL,
    exit_time INTEGER NOT NULL,
    exit_reason TEXT,
    quantity REAL NOT NULL,
    pnl REAL NOT NULL,
    pnl_percent REAL NOT NULL,
    fees REAL NOT NULL,
    duration_ms INTEGER NOT NULL,
    is_win INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_strategy_trades_key
    ON strategy_trades (strategy_name, timeframe, exit_time);

CREATE TABLE IF NOT EXISTS strategy_positions (
    user_email TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    position_type TEXT NOT NULL,
    entry_price REAL NOT NULL,
    entry_time INTEGER NOT NULL,
    entry_reason TEXT,
    quantity REAL NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_email, strategy_name, timeframe)
);

CREATE TABLE IF NOT EXISTS strategy_signals (
    id TEXT PRIMARY KEY,
    user_email TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    price REAL NOT NULL,
    reason TEXT,
    indicators TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS daemon_heartbeats (
    instance_id TEXT PRIMARY KEY,
    version TEXT,
    started_at INTEGER NOT NULL,
    last_beat INTEGER NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "strategy_signals", "indicators", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_positions", "entry_reason", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

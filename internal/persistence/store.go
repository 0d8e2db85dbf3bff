// Package persistence stores strategy state in SQLite. Trades and
// activation changes are written synchronously; signals and open-position
// snapshots go through a BatchWriter.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-daemon/internal/position"
	"strategy-daemon/internal/strategy"
	"strategy-daemon/pkg/db"
)

// Store implements strategy.Store on top of pkg/db.
type Store struct {
	db     *db.Database
	q      *db.Queries
	writer *BatchWriter
	logger *zap.Logger
}

var _ strategy.Store = (*Store)(nil)

// NewStore wires the database and a batch writer for async writes.
func NewStore(database *db.Database, writer *BatchWriter, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: database, q: database.Queries(), writer: writer, logger: logger.Named("store")}
}

// LoadStrategies returns every stored definition.
func (s *Store) LoadStrategies(ctx context.Context) ([]strategy.Record, error) {
	rows, err := s.q.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, strategy.Record{
			UserEmail:       r.UserEmail,
			Key:             strategy.Key{Name: r.Name, Timeframe: r.Timeframe},
			Type:            r.Type,
			Config:          []byte(r.Config),
			IsActive:        r.IsActive,
			ActivatedAt:     r.ActivatedAt,
			TotalActiveTime: time.Duration(r.TotalActiveMs) * time.Millisecond,
		})
	}
	return out, nil
}

// LoadTrades returns all completed trades in one query.
func (s *Store) LoadTrades(ctx context.Context) ([]position.CompletedTrade, error) {
	rows, err := s.q.ListTrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]position.CompletedTrade, 0, len(rows))
	for _, r := range rows {
		out = append(out, position.CompletedTrade{
			ID:           r.ID,
			UserEmail:    r.UserEmail,
			StrategyName: r.StrategyName,
			Timeframe:    r.Timeframe,
			Type:         position.Type(r.PositionType),
			EntryPrice:   r.EntryPrice,
			EntryTime:    r.EntryTime,
			EntryReason:  r.EntryReason,
			ExitPrice:    r.ExitPrice,
			ExitTime:     r.ExitTime,
			ExitReason:   r.ExitReason,
			Quantity:     r.Quantity,
			PnL:          r.PnL,
			PnLPercent:   r.PnLPercent,
			Fees:         r.Fees,
			Duration:     time.Duration(r.DurationMs) * time.Millisecond,
			IsWin:        r.IsWin,
		})
	}
	return out, nil
}

// LoadOpenPositions returns all persisted open positions in one query.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]strategy.OpenPosition, error) {
	rows, err := s.q.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.OpenPosition, 0, len(rows))
	for _, r := range rows {
		out = append(out, strategy.OpenPosition{
			UserEmail: r.UserEmail,
			Key:       strategy.Key{Name: r.StrategyName, Timeframe: r.Timeframe},
			Position: position.Position{
				Type:        position.Type(r.PositionType),
				EntryPrice:  r.EntryPrice,
				EntryTime:   r.EntryTime,
				EntryReason: r.EntryReason,
				Quantity:    r.Quantity,
			},
		})
	}
	return out, nil
}

// SaveActivation persists the active flag and clock.
func (s *Store) SaveActivation(ctx context.Context, userEmail string, key strategy.Key, active bool, activatedAt *time.Time, total time.Duration) error {
	err := s.db.SetStrategyActivation(ctx, userEmail, key.Name, key.Timeframe, active, activatedAt, total.Milliseconds())
	return mapNotFound(err)
}

// ResetStrategy drains queued writes first so a pending position snapshot
// cannot resurrect after the reset.
func (s *Store) ResetStrategy(ctx context.Context, userEmail string, key strategy.Key, activatedAt *time.Time) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			s.logger.Warn("flush before reset failed", zap.Error(err))
		}
	}
	return mapNotFound(s.db.ResetStrategy(ctx, userEmail, key.Name, key.Timeframe, activatedAt))
}

// SaveConfig replaces the stored config JSON.
func (s *Store) SaveConfig(ctx context.Context, userEmail string, key strategy.Key, cfg strategy.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return mapNotFound(s.db.UpdateStrategyConfig(ctx, userEmail, key.Name, key.Timeframe, string(raw)))
}

// CreateStrategy inserts a new inactive definition.
func (s *Store) CreateStrategy(ctx context.Context, rec strategy.Record) error {
	err := s.db.CreateStrategy(ctx, strategyRow(rec))
	if errors.Is(err, db.ErrStrategyExists) {
		return strategy.ErrExists
	}
	return err
}

// SeedStrategy upserts a definition from the seed file.
func (s *Store) SeedStrategy(ctx context.Context, rec strategy.Record) error {
	return s.db.SeedStrategy(ctx, strategyRow(rec))
}

func strategyRow(rec strategy.Record) db.StrategyRow {
	row := db.StrategyRow{
		UserEmail:   rec.UserEmail,
		Name:        rec.Key.Name,
		Timeframe:   rec.Key.Timeframe,
		Type:        rec.Type,
		Config:      string(rec.Config),
		IsActive:    rec.IsActive,
		ActivatedAt: rec.ActivatedAt,
	}
	if row.IsActive && row.ActivatedAt == nil {
		now := time.Now()
		row.ActivatedAt = &now
	}
	return row
}

// SaveTrade writes a completed trade synchronously.
func (s *Store) SaveTrade(ctx context.Context, t position.CompletedTrade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.db.InsertTrade(ctx, db.TradeRow{
		ID:           t.ID,
		UserEmail:    t.UserEmail,
		StrategyName: t.StrategyName,
		Timeframe:    t.Timeframe,
		PositionType: string(t.Type),
		EntryPrice:   t.EntryPrice,
		EntryTime:    t.EntryTime,
		EntryReason:  t.EntryReason,
		ExitPrice:    t.ExitPrice,
		ExitTime:     t.ExitTime,
		ExitReason:   t.ExitReason,
		Quantity:     t.Quantity,
		PnL:          t.PnL,
		PnLPercent:   t.PnLPercent,
		Fees:         t.Fees,
		DurationMs:   t.Duration.Milliseconds(),
		IsWin:        t.IsWin,
	})
}

// SaveOpenPosition queues an open-position snapshot.
func (s *Store) SaveOpenPosition(userEmail, name, timeframe string, p position.Position) {
	q, args := db.UpsertPositionStmt(db.PositionRow{
		UserEmail:    userEmail,
		StrategyName: name,
		Timeframe:    timeframe,
		PositionType: string(p.Type),
		EntryPrice:   p.EntryPrice,
		EntryTime:    p.EntryTime,
		EntryReason:  p.EntryReason,
		Quantity:     p.Quantity,
	})
	s.enqueue("strategy_positions", q, args)
}

// DeleteOpenPosition queues removal of the open-position row.
func (s *Store) DeleteOpenPosition(userEmail, name, timeframe string) {
	q, args := db.DeletePositionStmt(userEmail, name, timeframe)
	s.enqueue("strategy_positions", q, args)
}

// SaveSignal queues a signal row.
func (s *Store) SaveSignal(userEmail, name, timeframe string, sig position.Signal) {
	indicators := "{}"
	if len(sig.Indicators) > 0 {
		if raw, err := json.Marshal(sig.Indicators); err == nil {
			indicators = string(raw)
		}
	}
	q, args := db.InsertSignalStmt(db.SignalRow{
		ID:           uuid.NewString(),
		UserEmail:    userEmail,
		StrategyName: name,
		Timeframe:    timeframe,
		SignalType:   string(sig.Type),
		Price:        sig.Price,
		Reason:       sig.Reason,
		Indicators:   indicators,
		CreatedAt:    sig.Timestamp,
	})
	s.enqueue("strategy_signals", q, args)
}

// Flush drains queued writes.
func (s *Store) Flush() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Flush()
}

func (s *Store) enqueue(table, q string, args []any) {
	if s.writer == nil {
		if _, err := s.db.DB.Exec(q, args...); err != nil {
			s.logger.Warn("write failed", zap.String("table", table), zap.Error(err))
		}
		return
	}
	s.writer.WriteQuery(table, q, args...)
}

func mapNotFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %v", strategy.ErrNotFound, err)
	}
	return err
}

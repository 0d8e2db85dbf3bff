package export

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/position"
)

// Sink receives hub updates and completed trades.
type Sink interface {
	WriteUpdate(ctx context.Context, u hub.Update) error
	WriteTrade(ctx context.Context, t position.CompletedTrade) error
	Close() error
}

// Forwarder fans hub updates and bus trades out to sinks.
type Forwarder struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewForwarder returns nil when no sinks are configured.
func NewForwarder(logger *zap.Logger, sinks ...Sink) *Forwarder {
	if len(sinks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{sinks: sinks, logger: logger.Named("export")}
}

// Attach forwards updates from h until ctx is done.
func (f *Forwarder) Attach(ctx context.Context, h *hub.Hub) {
	ch, unsub := h.Subscribe(64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-ch:
				if !ok {
					return
				}
				for _, s := range f.sinks {
					if err := s.WriteUpdate(ctx, u); err != nil {
						f.logger.Debug("update export failed", zap.String("timeframe", u.Timeframe), zap.Error(err))
					}
				}
			}
		}
	}()
}

// Run forwards completed trades until ctx is done.
func (f *Forwarder) Run(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.Subscribe(events.EventTradeCompleted, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			t, ok := msg.(position.CompletedTrade)
			if !ok {
				continue
			}
			for _, s := range f.sinks {
				if err := s.WriteTrade(ctx, t); err != nil {
					f.logger.Warn("trade export failed", zap.String("trade", t.ID), zap.Error(err))
				}
			}
		}
	}
}

// Close closes every sink.
func (f *Forwarder) Close() error {
	var err error
	for _, s := range f.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}

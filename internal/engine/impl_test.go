package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/persistence"
	"strategy-daemon/internal/strategy"
	"strategy-daemon/pkg/db"
)

func newTestService(t *testing.T) (*Impl, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	bw := persistence.NewBatchWriter(database.DB, 10, time.Hour, nil)
	t.Cleanup(func() {
		_ = bw.Close()
		_ = database.Close()
	})
	store := persistence.NewStore(database, bw, nil)
	ctx := context.Background()
	for _, rec := range []strategy.Record{
		{UserEmail: "a@x.io", Key: strategy.Key{Name: "mine", Timeframe: "1m"}, Type: strategy.TypeRSI, Config: []byte(`{}`)},
		{UserEmail: "b@x.io", Key: strategy.Key{Name: "theirs", Timeframe: "1m"}, Type: strategy.TypeMACD, Config: []byte(`{}`)},
	} {
		if err := store.SeedStrategy(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	bus := events.NewBus()
	strategies := strategy.NewEngine(store, bus, zap.NewNop(), strategy.Options{FeeRate: 0.001})
	if err := strategies.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	return NewImpl(Config{Strategies: strategies, Writer: bw, Bus: bus, Meta: Meta{Symbol: "BTCUSDT"}}), bus
}

func TestToggleOwnershipAndEvent(t *testing.T) {
	svc, bus := newTestService(t)
	changes, unsub := bus.Subscribe(events.EventStateChanged, 4)
	defer unsub()
	ctx := context.Background()

	if _, err := svc.ToggleStrategy(ctx, "a@x.io", "theirs", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err=%v", err)
	}
	active, err := svc.ToggleStrategy(ctx, "a@x.io", "mine", "")
	if err != nil || !active {
		t.Fatalf("active=%v err=%v", active, err)
	}
	select {
	case msg := <-changes:
		sc := msg.(events.StateChange)
		if sc.Action != "toggle" || sc.Timeframe != "1m" {
			t.Fatalf("change %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change published")
	}
	if _, err := svc.ToggleStrategy(ctx, "a@x.io", "missing", "1m"); !IsNotFound(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestUpdateConfigRejectsEmptyPatch(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.UpdateStrategyConfig(context.Background(), "a@x.io", "mine", "1m", strategy.ConfigPatch{})
	if !errors.Is(err, strategy.ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestCreateListAndStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	err := svc.CreateStrategy(ctx, "a@x.io", CreateStrategyRequest{Name: "new", Timeframe: "5m", Type: strategy.TypeBollinger})
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	list := svc.ListStrategies(ctx, "a@x.io", "")
	if len(list) != 2 {
		t.Fatalf("list=%d", len(list))
	}
	st := svc.GetSystemStatus(ctx)
	if st.Strategies.Total != 3 || st.Symbol != "BTCUSDT" || st.Writer == nil {
		t.Fatalf("status %+v", st)
	}
}

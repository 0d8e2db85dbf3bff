package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"strategy-daemon/internal/indicators"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/position"
)

type activation struct {
	active      bool
	activatedAt *time.Time
	total       time.Duration
}

type fakeStore struct {
	mu          sync.Mutex
	records     []Record
	trades      []position.CompletedTrade
	opens       []OpenPosition
	activations map[Key]activation
	configs     map[Key]Config
	resets      int
	created     []Record
	failWrites  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{activations: map[Key]activation{}, configs: map[Key]Config{}}
}

var errStore = errors.New("disk full")

func (s *fakeStore) LoadStrategies(context.Context) ([]Record, error) { return s.records, nil }
func (s *fakeStore) LoadTrades(context.Context) ([]position.CompletedTrade, error) {
	return s.trades, nil
}
func (s *fakeStore) LoadOpenPositions(context.Context) ([]OpenPosition, error) { return s.opens, nil }

func (s *fakeStore) SaveActivation(_ context.Context, _ string, key Key, active bool, at *time.Time, total time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStore
	}
	s.activations[key] = activation{active, at, total}
	return nil
}

func (s *fakeStore) ResetStrategy(context.Context, string, Key, *time.Time) error {
	if s.failWrites {
		return errStore
	}
	s.resets++
	return nil
}

func (s *fakeStore) SaveConfig(_ context.Context, _ string, key Key, cfg Config) error {
	if s.failWrites {
		return errStore
	}
	s.configs[key] = cfg
	return nil
}

func (s *fakeStore) CreateStrategy(_ context.Context, rec Record) error {
	if s.failWrites {
		return errStore
	}
	s.created = append(s.created, rec)
	return nil
}

func (s *fakeStore) SaveTrade(context.Context, position.CompletedTrade) error   { return nil }
func (s *fakeStore) SaveOpenPosition(string, string, string, position.Position) {}
func (s *fakeStore) DeleteOpenPosition(string, string, string)                  {}
func (s *fakeStore) SaveSignal(string, string, string, position.Signal)         {}

func record(name, tf string, active bool, activatedAt *time.Time, total time.Duration) Record {
	return Record{
		UserEmail:       "a@x.io",
		Key:             Key{name, tf},
		Type:            TypeRSI,
		Config:          []byte(`{"profit_target":2,"stop_loss":1}`),
		IsActive:        active,
		ActivatedAt:     activatedAt,
		TotalActiveTime: total,
	}
}

func newTestEngine(t *testing.T, s *fakeStore, now time.Time) *Engine {
	t.Helper()
	e := NewEngine(s, nil, nil, Options{FeeRate: 0.001})
	e.now = func() time.Time { return now }
	if err := e.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return e
}

func TestRestartCheckpoint(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-300 * time.Second)
	stale := now.Add(-3600 * time.Second)

	s := newFakeStore()
	s.records = []Record{
		record("recent", "1m", true, &recent, time.Hour),
		record("stale", "1m", true, &stale, time.Hour),
		record("off", "1m", false, nil, time.Hour),
	}
	newTestEngine(t, s, now)

	cases := []struct {
		name string
		want time.Duration
	}{
		{"recent", time.Hour + 300*time.Second},
		{"stale", time.Hour},
	}
	for _, tc := range cases {
		got, ok := s.activations[Key{tc.name, "1m"}]
		if !ok {
			t.Fatalf("%s: checkpoint not persisted", tc.name)
		}
		if got.total != tc.want {
			t.Fatalf("%s: total=%v want %v", tc.name, got.total, tc.want)
		}
		if got.activatedAt == nil || !got.activatedAt.Equal(now) {
			t.Fatalf("%s: activatedAt=%v want now", tc.name, got.activatedAt)
		}
	}
	if _, ok := s.activations[Key{"off", "1m"}]; ok {
		t.Fatal("inactive strategy must not be checkpointed")
	}
}

func TestToggleTwice(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newFakeStore()
	s.records = []Record{record("r", "5m", false, nil, 10*time.Second)}
	e := newTestEngine(t, s, now)
	ctx := context.Background()

	active, err := e.Toggle(ctx, "r", "5m")
	if err != nil || !active {
		t.Fatalf("toggle on: active=%v err=%v", active, err)
	}
	e.now = func() time.Time { return now.Add(90 * time.Second) }
	active, err = e.Toggle(ctx, "r", "5m")
	if err != nil || active {
		t.Fatalf("toggle off: active=%v err=%v", active, err)
	}

	got := s.activations[Key{"r", "5m"}]
	if got.active || got.activatedAt != nil || got.total != 100*time.Second {
		t.Fatalf("persisted %+v", got)
	}
	p, _ := e.Get("r", "5m")
	if p.IsActive || p.TotalActiveSecs != 100 {
		t.Fatalf("performance %+v", p)
	}
}

func TestToggleStorageErrorKeepsState(t *testing.T) {
	s := newFakeStore()
	s.records = []Record{record("r", "5m", false, nil, 0)}
	e := newTestEngine(t, s, time.Now())
	s.failWrites = true

	if _, err := e.Toggle(context.Background(), "r", "5m"); !errors.Is(err, errStore) {
		t.Fatalf("err=%v", err)
	}
	p, _ := e.Get("r", "5m")
	if p.IsActive {
		t.Fatal("failed toggle must not change state")
	}
}

func TestToggleUnknown(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), time.Now())
	if _, err := e.Toggle(context.Background(), "nope", "1m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestSameNameDifferentTimeframesIndependent(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.records = []Record{record("r", "1m", false, nil, 0), record("r", "1h", false, nil, 0)}
	e := newTestEngine(t, s, now)

	if _, err := e.Toggle(context.Background(), "r", "1m"); err != nil {
		t.Fatal(err)
	}
	a, _ := e.Get("r", "1m")
	b, _ := e.Get("r", "1h")
	if !a.IsActive || b.IsActive {
		t.Fatalf("1m=%v 1h=%v", a.IsActive, b.IsActive)
	}
	if _, err := e.Resolve("r", ""); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("resolve err=%v", err)
	}
}

func TestCorruptConfigSkipped(t *testing.T) {
	s := newFakeStore()
	bad := record("bad", "1m", false, nil, 0)
	bad.Config = []byte(`{not json`)
	dup := record("good", "1m", false, nil, 0)
	dup.UserEmail = "b@x.io"
	s.records = []Record{bad, record("good", "1m", false, nil, 0), dup}
	e := newTestEngine(t, s, time.Now())

	if total, _ := e.Counts(); total != 1 {
		t.Fatalf("loaded %d strategies, want 1", total)
	}
	if _, err := e.Get("bad", "1m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadAllRestoresHistory(t *testing.T) {
	s := newFakeStore()
	s.records = []Record{record("r", "1m", false, nil, 0), record("q", "1m", false, nil, 0)}
	exit := time.Now().Add(-time.Hour)
	s.trades = []position.CompletedTrade{
		{UserEmail: "a@x.io", StrategyName: "r", Timeframe: "1m", Type: position.TypeLong, PnL: 2, ExitTime: exit, IsWin: true},
		{UserEmail: "a@x.io", StrategyName: "r", Timeframe: "1m", Type: position.TypeShort, PnL: -1, ExitTime: exit.Add(time.Minute)},
	}
	s.opens = []OpenPosition{{UserEmail: "a@x.io", Key: Key{"q", "1m"}, Position: position.Position{Type: position.TypeLong, EntryPrice: 100, Quantity: 1, EntryTime: exit}}}
	e := newTestEngine(t, s, time.Now())

	r, _ := e.Get("r", "1m")
	if r.TotalTrades != 2 || r.WinningTrades != 1 || r.TotalPnL != 1 {
		t.Fatalf("r=%+v", r)
	}
	q, _ := e.Get("q", "1m")
	if q.Position.Type != position.TypeLong || q.TotalTrades != 0 {
		t.Fatalf("q=%+v", q.Position)
	}
}

func TestResetClearsHistoryAndKeepsActivation(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.records = []Record{record("r", "1m", true, &now, time.Hour)}
	s.trades = []position.CompletedTrade{{UserEmail: "a@x.io", StrategyName: "r", Timeframe: "1m", PnL: 1, IsWin: true, ExitTime: now}}
	e := newTestEngine(t, s, now)

	if err := e.Reset(context.Background(), "r", "1m"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	p, _ := e.Get("r", "1m")
	if p.TotalTrades != 0 || p.TotalActiveSecs != 0 || !p.IsActive {
		t.Fatalf("after reset %+v", p)
	}
	if s.resets != 1 {
		t.Fatalf("resets=%d", s.resets)
	}
}

func TestUpdateConfig(t *testing.T) {
	s := newFakeStore()
	s.records = []Record{record("r", "1m", false, nil, 0)}
	e := newTestEngine(t, s, time.Now())

	tp := 5.0
	if err := e.UpdateConfig(context.Background(), "r", "1m", ConfigPatch{ProfitTarget: &tp}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if s.configs[Key{"r", "1m"}].ProfitTarget != 5 {
		t.Fatalf("persisted %+v", s.configs)
	}
	p, _ := e.Get("r", "1m")
	if p.Config.ProfitTarget != 5 || p.Config.StopLoss != 1 {
		t.Fatalf("config %+v", p.Config)
	}

	neg := -1.0
	if err := e.UpdateConfig(context.Background(), "r", "1m", ConfigPatch{StopLoss: &neg}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestCreate(t *testing.T) {
	s := newFakeStore()
	e := newTestEngine(t, s, time.Now())
	ctx := context.Background()

	if err := e.Create(ctx, "a@x.io", "new", "15m", Config{Type: TypeMACD}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Create(ctx, "a@x.io", "new", "15m", Config{Type: TypeMACD}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate err=%v", err)
	}
	if err := e.Create(ctx, "a@x.io", "x", "15m", Config{Type: "martingale"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad type err=%v", err)
	}
	if len(s.created) != 1 || e.Timeframes()[0] != "15m" {
		t.Fatalf("created=%v timeframes=%v", s.created, e.Timeframes())
	}
}

func TestCheckpointFoldsRunningInterval(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newFakeStore()
	s.records = []Record{record("r", "1m", true, &start, 0)}
	e := newTestEngine(t, s, start)

	e.now = func() time.Time { return start.Add(time.Minute) }
	e.Checkpoint(context.Background())

	got := s.activations[Key{"r", "1m"}]
	if got.total != time.Minute || !got.activatedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("checkpoint %+v", got)
	}
}

func TestAnalyzeTimeframeOnlyActive(t *testing.T) {
	s := newFakeStore()
	on := record("on", "1m", true, nil, 0)
	s.records = []Record{on, record("off", "1m", false, nil, 0), record("other", "5m", true, nil, 0)}
	e := newTestEngine(t, s, time.Now())

	candles := make([]market.Candle, 200)
	for i := range candles {
		candles[i] = market.Candle{OpenTime: int64(i) * 60000, Close: 100}
	}
	snap := &indicators.Snapshot{Price: 100, RSI: 10}
	sigs := e.AnalyzeTimeframe(context.Background(), candles, snap, "1m")
	if len(sigs) != 1 || sigs[0].Type != position.SignalBuy {
		t.Fatalf("signals=%+v", sigs)
	}
	if p, _ := e.Get("off", "1m"); p.Position.IsOpen() {
		t.Fatal("inactive strategy must not trade")
	}
}

func TestPerformancesForceInactive(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.records = []Record{record("b", "1m", true, &now, 0), record("a", "1m", true, &now, 0)}
	e := newTestEngine(t, s, now)

	ps := e.Performances(Filter{ForceInactive: true})
	if len(ps) != 2 || ps[0].Name != "a" {
		t.Fatalf("ps=%+v", ps)
	}
	for _, p := range ps {
		if p.IsActive || p.ActivatedAt != nil {
			t.Fatalf("%s reported active", p.Name)
		}
	}
	if got := e.Performances(Filter{UserEmail: "other@x.io"}); len(got) != 0 {
		t.Fatalf("user filter leaked %d", len(got))
	}
}

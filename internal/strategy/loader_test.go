package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type seedRecorder struct{ recs []Record }

func (s *seedRecorder) SeedStrategy(_ context.Context, rec Record) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestLoadConfigFileAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	doc := `strategies:
  - name: rsi_fast
    timeframe: 1m
    type: rsi
    is_active: true
    config:
      profit_target: 1.5
  - name: broken
    timeframe: 5m
    type: martingale
  - user_email: Bob@X.io
    name: cross
    timeframe: 1h
    type: ma_cross
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadConfigFile(path)
	if err != nil || len(entries) != 3 {
		t.Fatalf("entries=%d err=%v", len(entries), err)
	}

	rec := &seedRecorder{}
	n, err := SeedStore(context.Background(), rec, entries, "demo@x.io")
	if n != 2 || err == nil {
		t.Fatalf("seeded=%d err=%v", n, err)
	}
	if rec.recs[0].UserEmail != "demo@x.io" || !rec.recs[0].IsActive {
		t.Fatalf("first=%+v", rec.recs[0])
	}
	cfg, err := ParseConfig(rec.recs[0].Type, rec.recs[0].Config)
	if err != nil || cfg.ProfitTarget != 1.5 || cfg.StopLoss != 1 {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
	if rec.recs[1].UserEmail != "bob@x.io" {
		t.Fatalf("email not normalized: %s", rec.recs[1].UserEmail)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	entries, err := LoadConfigFile(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil || entries != nil {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
}

package market

import "testing"

func TestBufferApply(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		input     []Candle
		wantTimes []int64
		wantClose float64
	}{
		{
			name:      "append in order",
			capacity:  5,
			input:     []Candle{{OpenTime: 1, Close: 1}, {OpenTime: 2, Close: 2}},
			wantTimes: []int64{1, 2},
			wantClose: 2,
		},
		{
			name:      "update forming candle in place",
			capacity:  5,
			input:     []Candle{{OpenTime: 1, Close: 1}, {OpenTime: 2, Close: 2}, {OpenTime: 2, Close: 2.5, Closed: true}},
			wantTimes: []int64{1, 2},
			wantClose: 2.5,
		},
		{
			name:      "evict oldest when full",
			capacity:  3,
			input:     []Candle{{OpenTime: 1}, {OpenTime: 2}, {OpenTime: 3}, {OpenTime: 4, Close: 4}},
			wantTimes: []int64{2, 3, 4},
			wantClose: 4,
		},
		{
			name:      "drop stale candle",
			capacity:  3,
			input:     []Candle{{OpenTime: 5, Close: 5}, {OpenTime: 3, Close: 3}},
			wantTimes: []int64{5},
			wantClose: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer(tt.capacity)
			for _, c := range tt.input {
				b.Apply(c)
			}
			got := b.Candles()
			if len(got) != len(tt.wantTimes) {
				t.Fatalf("len=%d want %d", len(got), len(tt.wantTimes))
			}
			for i, ts := range tt.wantTimes {
				if got[i].OpenTime != ts {
					t.Fatalf("candle %d openTime=%d want %d", i, got[i].OpenTime, ts)
				}
			}
			last, _ := b.Last()
			if last.Close != tt.wantClose {
				t.Fatalf("last close=%v want %v", last.Close, tt.wantClose)
			}
		})
	}
}

func TestBufferWrapsManyTimes(t *testing.T) {
	b := NewBuffer(300)
	for i := int64(1); i <= 1000; i++ {
		b.Apply(Candle{OpenTime: i})
	}
	got := b.Candles()
	if len(got) != 300 || got[0].OpenTime != 701 || got[299].OpenTime != 1000 {
		t.Fatalf("unexpected window: len=%d first=%d last=%d", len(got), got[0].OpenTime, got[len(got)-1].OpenTime)
	}
}

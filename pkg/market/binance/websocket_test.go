package binance

import "testing"

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"e":"kline","E":1700000000100,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"BTCUSDT","i":"1m","o":"100.5","c":"101.25","h":"102","l":"99.75","v":"12.5","n":42,"x":true}}`)
	k, err := parseKlineMessage(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !k.IsClosed || k.Interval != "1m" || k.Close != 101.25 || k.Low != 99.75 || k.NumberOfTrades != 42 {
		t.Fatalf("unexpected kline: %+v", k)
	}
}

func TestParseKlineMessageRejectsOtherEvents(t *testing.T) {
	if _, err := parseKlineMessage([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatal("expected error for non-kline payload")
	}
}

func TestDecodeRESTKlinesMarksFormingCandle(t *testing.T) {
	raw := [][]any{
		{float64(1000), "1", "2", "0.5", "1.5", "10", float64(1999), "15", float64(3), "5", "7", "0"},
		{float64(2000), "1.5", "2.5", "1", "2", "11", float64(2999), "16", float64(4), "6", "8", "0"},
	}
	klines := decodeRESTKlines("BTCUSDT", "1m", raw, 2500)
	if len(klines) != 2 {
		t.Fatalf("expected 2 klines, got %d", len(klines))
	}
	if !klines[0].IsClosed || klines[1].IsClosed {
		t.Fatalf("closed flags wrong: %v %v", klines[0].IsClosed, klines[1].IsClosed)
	}
	if klines[1].Close != 2 || klines[1].NumberOfTrades != 4 {
		t.Fatalf("unexpected kline: %+v", klines[1])
	}
}

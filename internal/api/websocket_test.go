package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type       string            `json:"type"`
	Timeframe  string            `json:"timeframe"`
	Connected  bool              `json:"connected"`
	Candles    []json.RawMessage `json:"candles"`
	Strategies []struct {
		Name     string `json:"name"`
		IsActive bool   `json:"isActive"`
	} `json:"strategies"`
	Command  string `json:"command"`
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	IsActive *bool  `json:"isActive"`
}

func dialWS(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first message accepted by match.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(wsMessage) bool) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func isResult(m wsMessage) bool { return m.Type == "result" }

func TestWebsocketAnonymousSeesDemoInactive(t *testing.T) {
	env := newTestAPIServer(t)
	conn := dialWS(t, env, "?timeframe=1m")

	st := readUntil(t, conn, "connected state", func(m wsMessage) bool {
		return m.Type == "state" && m.Connected && len(m.Candles) > 0
	})
	if st.Timeframe != "1m" || len(st.Candles) > 100 {
		t.Fatalf("state timeframe=%s candles=%d", st.Timeframe, len(st.Candles))
	}
	if len(st.Strategies) != 1 || st.Strategies[0].Name != "demo-rsi" || st.Strategies[0].IsActive {
		t.Fatalf("strategies %+v", st.Strategies)
	}
	if env.sessions.Count() != 1 {
		t.Fatalf("sessions=%d", env.sessions.Count())
	}

	if err := conn.WriteJSON(map[string]string{"type": "toggle", "name": "demo-rsi"}); err != nil {
		t.Fatal(err)
	}
	res := readUntil(t, conn, "result", isResult)
	if res.OK || res.Error != errAuthRequired.Error() {
		t.Fatalf("result %+v", res)
	}
}

func TestWebsocketCommands(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "ws@example.com")
	if status := doJSONRequest(t, client, "POST", env.ts.URL+"/api/strategies", token, map[string]any{
		"name": "scalp", "timeframe": "1m", "strategy_type": "rsi",
	}, nil); status != 201 {
		t.Fatalf("create status=%d", status)
	}

	conn := dialWS(t, env, "?timeframe=1m&token="+token)
	readUntil(t, conn, "first state", func(m wsMessage) bool { return m.Type == "state" })

	if err := conn.WriteJSON(map[string]string{"type": "toggle", "name": "scalp"}); err != nil {
		t.Fatal(err)
	}
	res := readUntil(t, conn, "toggle result", isResult)
	if !res.OK || res.IsActive == nil || !*res.IsActive {
		t.Fatalf("toggle result %+v", res)
	}
	readUntil(t, conn, "active state", func(m wsMessage) bool {
		return m.Type == "state" && len(m.Strategies) == 1 && m.Strategies[0].IsActive
	})

	if err := conn.WriteJSON(map[string]any{"type": "updateConfig", "name": "scalp", "config": map[string]any{"stop_loss": -1}}); err != nil {
		t.Fatal(err)
	}
	if res := readUntil(t, conn, "config result", isResult); res.OK {
		t.Fatalf("negative stop loss accepted: %+v", res)
	}

	if err := conn.WriteJSON(map[string]string{"type": "changePrimaryTimeframe", "timeframe": "5m"}); err != nil {
		t.Fatal(err)
	}
	if res := readUntil(t, conn, "timeframe result", isResult); !res.OK {
		t.Fatalf("change timeframe %+v", res)
	}
	readUntil(t, conn, "5m state", func(m wsMessage) bool { return m.Type == "state" && m.Timeframe == "5m" })

	if err := conn.WriteJSON(map[string]string{"type": "launch"}); err != nil {
		t.Fatal(err)
	}
	if res := readUntil(t, conn, "unknown result", isResult); res.OK || res.Command != "launch" {
		t.Fatalf("unknown command %+v", res)
	}
}

func TestWebsocketCloseDestroysSession(t *testing.T) {
	env := newTestAPIServer(t)
	conn := dialWS(t, env, "")
	readUntil(t, conn, "state", func(m wsMessage) bool { return m.Type == "state" })
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for env.sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions=%d after close", env.sessions.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketRejectsBadTimeframe(t *testing.T) {
	env := newTestAPIServer(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?timeframe=7m"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("resp=%v", resp)
	}
}

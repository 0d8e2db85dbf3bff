package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"strategy-daemon/internal/events"
	"strategy-daemon/internal/hub"
	"strategy-daemon/internal/market"
	"strategy-daemon/internal/session"
	"strategy-daemon/internal/strategy"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 8 << 10
	wsCommandTimeout = 10 * time.Second
)

var (
	errAuthRequired   = errors.New("authentication required")
	errSessionExpired = errors.New("session expired")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is a client request on the session socket.
type wsCommand struct {
	Type      string               `json:"type"`
	Name      string               `json:"name"`
	Timeframe string               `json:"timeframe"`
	Config    strategy.ConfigPatch `json:"config"`
}

// wsResult answers exactly one wsCommand.
type wsResult struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	IsActive *bool  `json:"isActive,omitempty"`
}

type wsClient struct {
	s      *Server
	conn   *websocket.Conn
	id     string
	email  string
	logger *zap.Logger

	results chan wsResult
	kick    chan struct{}
}

// websocket upgrades to a per-connection session. The token is optional;
// anonymous sessions see the demo strategies read-only.
func (s *Server) websocket(c *gin.Context) {
	if s.Sessions == nil {
		respondError(c, http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "session registry not ready")
		return
	}
	tf := c.DefaultQuery("timeframe", s.DefaultTimeframe)
	if market.TimeframeDuration(tf) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_TIMEFRAME", fmt.Sprintf("unknown timeframe %q", tf))
		return
	}
	var email string
	if token := c.Query("token"); token != "" {
		claims, err := parseToken(token, s.JWTSecret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		email = claims.Email
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	cl := &wsClient{
		s:       s,
		conn:    conn,
		id:      id,
		email:   email,
		logger:  s.Logger.With(zap.String("session", id)),
		results: make(chan wsResult, 8),
		kick:    make(chan struct{}, 1),
	}
	cl.serve(c.Request.Context(), tf)
}

func (cl *wsClient) serve(parent context.Context, timeframe string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer cl.conn.Close()

	sessions := cl.s.Sessions
	sessions.CreateSession(cl.id, timeframe)
	defer sessions.DestroySession(cl.id)
	cl.logger.Debug("ws session opened", zap.String("timeframe", timeframe), zap.Bool("authenticated", cl.email != ""))

	if err := sessions.SubscribeToTimeframe(ctx, cl.id, timeframe, cl.onUpdate); err != nil {
		// State still pushes, reporting connected:false.
		cl.logger.Warn("subscribe failed", zap.String("timeframe", timeframe), zap.Error(err))
	}

	var changes <-chan any
	if cl.s.Bus != nil {
		ch, unsub := cl.s.Bus.Subscribe(events.EventStateChanged, 8)
		defer unsub()
		changes = ch
	}

	writerDone := make(chan struct{})
	go cl.writeLoop(ctx, changes, writerDone)
	cl.readLoop(ctx)
	cancel()
	<-writerDone
	cl.logger.Debug("ws session closed")
}

func (cl *wsClient) onUpdate(u hub.Update) {
	if u.Candle.Closed {
		cl.trigger()
	}
}

// trigger requests an immediate push; pending requests coalesce.
func (cl *wsClient) trigger() {
	select {
	case cl.kick <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine writing data frames to the connection.
func (cl *wsClient) writeLoop(ctx context.Context, changes <-chan any, done chan<- struct{}) {
	defer close(done)
	push := time.NewTicker(cl.s.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	err := cl.pushState()
	for err == nil {
		select {
		case <-ctx.Done():
			_ = cl.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-push.C:
			err = cl.pushState()
		case <-cl.kick:
			err = cl.pushState()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			err = cl.pushState()
		case res := <-cl.results:
			err = cl.write(res)
			if err == nil && res.OK {
				err = cl.pushState()
			}
		case <-ping.C:
			err = cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}
	}
	if !errors.Is(err, errSessionExpired) {
		cl.logger.Debug("ws write failed", zap.Error(err))
	}
	// Unblocks the reader.
	_ = cl.conn.Close()
}

func (cl *wsClient) write(v any) error {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return cl.conn.WriteJSON(v)
}

func (cl *wsClient) pushState() error {
	info, ok := cl.s.Sessions.Session(cl.id)
	if !ok {
		cl.logger.Info("ws session swept while connected")
		return errSessionExpired
	}
	var h *hub.Hub
	if cl.s.Hubs != nil {
		h, _ = cl.s.Hubs.Get(info.PrimaryTimeframe)
	}
	st := session.BuildState(h, cl.s.Performances, session.StateRequest{
		Timeframe: info.PrimaryTimeframe,
		UserEmail: cl.email,
		DemoUser:  cl.s.DemoUser,
	}, time.Now())
	return cl.write(st)
}

func (cl *wsClient) readLoop(ctx context.Context) {
	cl.conn.SetReadLimit(wsMaxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.s.Sessions.Touch(cl.id)
		return cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Debug("ws read failed", zap.Error(err))
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		cl.s.Sessions.Touch(cl.id)

		var res wsResult
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			res = wsResult{Type: "result", Error: "invalid command payload"}
		} else {
			res = cl.handle(ctx, cmd)
		}
		select {
		case cl.results <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (cl *wsClient) handle(ctx context.Context, cmd wsCommand) wsResult {
	ctx, cancel := context.WithTimeout(ctx, wsCommandTimeout)
	defer cancel()

	res := wsResult{Type: "result", Command: cmd.Type}
	var err error
	switch cmd.Type {
	case "changePrimaryTimeframe":
		err = cl.changePrimary(ctx, cmd.Timeframe)
	case "toggle":
		if cl.email == "" {
			err = errAuthRequired
			break
		}
		var active bool
		active, err = cl.s.Control.ToggleStrategy(ctx, cl.email, cmd.Name, cmd.Timeframe)
		if err == nil {
			res.IsActive = &active
		}
	case "reset":
		if cl.email == "" {
			err = errAuthRequired
			break
		}
		err = cl.s.Control.ResetStrategy(ctx, cl.email, cmd.Name, cmd.Timeframe)
	case "updateConfig":
		if cl.email == "" {
			err = errAuthRequired
			break
		}
		err = cl.s.Control.UpdateStrategyConfig(ctx, cl.email, cmd.Name, cmd.Timeframe, cmd.Config)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err != nil {
		res.Error = err.Error()
		cl.logger.Debug("ws command failed", zap.String("command", cmd.Type), zap.Error(err))
		return res
	}
	res.OK = true
	return res
}

// changePrimary subscribes to the new timeframe before dropping the old one so
// the session is never without a feed.
func (cl *wsClient) changePrimary(ctx context.Context, timeframe string) error {
	if market.TimeframeDuration(timeframe) == 0 {
		return fmt.Errorf("unknown timeframe %q", timeframe)
	}
	info, ok := cl.s.Sessions.Session(cl.id)
	if !ok {
		return errSessionExpired
	}
	old := info.PrimaryTimeframe
	if old == timeframe {
		return nil
	}
	if err := cl.s.Sessions.SubscribeToTimeframe(ctx, cl.id, timeframe, cl.onUpdate); err != nil {
		return err
	}
	cl.s.Sessions.UnsubscribeFromTimeframe(cl.id, old)
	return cl.s.Sessions.SetPrimaryTimeframe(cl.id, timeframe)
}

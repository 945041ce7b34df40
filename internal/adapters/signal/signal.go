// Package signal serves the duplex channel endpoint: a WebSocket that
// publishes client envelopes and streams the session feed back.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app/presence"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
	MaxMessageSize int64
	RateLimit      int
	RateInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      5 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 << 10,
		RateLimit:      100,
		RateInterval:   time.Second,
	}
}

type SignalWSController struct {
	channel  core.Channel
	presence *presence.Registry
	limiter  *RateLimiter
	cfg      Config
	upgrader websocket.Upgrader
}

func NewSignalWSController(ch core.Channel, reg *presence.Registry, cfg Config) *SignalWSController {
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &SignalWSController{
		channel:  ch,
		presence: reg,
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades an already authorized request for who on sid.
// The connection lives until ctx ends, either side closes, or a newer
// connection of the same participant replaces it. Query parameter after
// replays the envelopes published after that id before the live feed.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, who domain.Identity, sid domain.SessionID) {
	after := domain.EnvelopeID(c.Query("after"))
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("user", string(who.UserID)).Logger()

	ctx, cancel := context.WithCancel(ctx)
	sub, err := ctl.channel.Subscribe(ctx, sid)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, domain.ErrorCode(err))
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.cfg.WriteWait))
		_ = ws.Close()
		cancel()
		return
	}

	conn := &WsSignalConn{conn: ws, send: make(chan []byte, ctl.cfg.SendBuffer)}
	token := ctl.presence.Bind(sid, who, cancel)
	logger.Info().Str("after", string(after)).Msg("ws connected")

	go func() {
		<-ctx.Done()
		ctl.presence.Unbind(sid, who.UserID, token)
		sub.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.cfg.WriteWait))
		conn.Close()
		logger.Info().Msg("ws closed")
	}()
	go ctl.writePump(ctx, cancel, conn)
	go ctl.feedPump(ctx, cancel, sid, conn, sub, after)
	go ctl.readPump(ctx, cancel, who, sid, conn)
}

func (ctl *SignalWSController) sendFrame(c *WsSignalConn, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendFrame marshal")
		return err
	}
	return c.TrySend(b)
}

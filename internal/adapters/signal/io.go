package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer cancel()
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, who domain.Identity, sid domain.SessionID, c *WsSignalConn) {
	defer cancel()
	c.conn.SetReadLimit(ctl.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
		ctl.handleFrame(ctx, who, sid, c, data)
	}
}

// feedPump streams the session feed. With after set, the missed envelopes
// go first and their live duplicates are skipped.
func (ctl *SignalWSController) feedPump(ctx context.Context, cancel context.CancelFunc, sid domain.SessionID, c *WsSignalConn, sub core.Subscription, after domain.EnvelopeID) {
	defer cancel()
	var replayed map[domain.EnvelopeID]struct{}
	if after != "" {
		missed, err := ctl.channel.History(ctx, sid, core.HistoryFilter{AfterID: after})
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("replay")
			_ = ctl.sendFrame(c, errorFrame("", err))
			return
		}
		replayed = make(map[domain.EnvelopeID]struct{}, len(missed))
		for i := range missed {
			replayed[missed[i].ID] = struct{}{}
			if err := ctl.sendFrame(c, Frame{Type: FrameEnvelope, Envelope: &missed[i]}); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("replay send")
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("feed closed")
				return
			}
			if replayed != nil {
				if _, dup := replayed[env.ID]; dup {
					continue
				}
				// Everything from here on is newer than the replay.
				replayed = nil
			}
			if err := ctl.sendFrame(c, Frame{Type: FrameEnvelope, Envelope: &env}); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("feed send")
				return
			}
		}
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, who domain.Identity, sid domain.SessionID, c *WsSignalConn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		_ = ctl.sendFrame(c, errorFrame("", fmt.Errorf("%w: bad frame", domain.ErrInvalid)))
		return
	}

	switch f.Type {
	case FramePing:
		_ = ctl.sendFrame(c, Frame{Type: FramePong, Ref: f.Ref})
	case FramePublish:
		ctl.handlePublish(ctx, who, sid, c, f)
	default:
		log.Warn().Str("module", "signal").Str("type", string(f.Type)).Msg("unknown frame")
		_ = ctl.sendFrame(c, errorFrame(f.Ref, fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalid, f.Type)))
	}
}

func (ctl *SignalWSController) handlePublish(ctx context.Context, who domain.Identity, sid domain.SessionID, c *WsSignalConn, f Frame) {
	if f.Envelope == nil {
		_ = ctl.sendFrame(c, errorFrame(f.Ref, fmt.Errorf("%w: publish without envelope", domain.ErrInvalid)))
		return
	}
	env, err := ctl.Publish(ctx, who, sid, *f.Envelope)
	if err != nil {
		_ = ctl.sendFrame(c, errorFrame(f.Ref, err))
		return
	}
	_ = ctl.sendFrame(c, Frame{Type: FramePublished, Ref: f.Ref, Envelope: &env})
}

// Publish rate-limits, normalizes and publishes a client envelope. The
// HTTP publish endpoint shares it with the socket.
func (ctl *SignalWSController) Publish(ctx context.Context, who domain.Identity, sid domain.SessionID, in domain.Envelope) (domain.Envelope, error) {
	if !ctl.limiter.Allow(who.UserID) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("user", string(who.UserID)).Msg("rate limited")
		return domain.Envelope{}, fmt.Errorf("%w: rate limited", domain.ErrChannel)
	}
	env, err := Accept(who, sid, in)
	if err != nil {
		return domain.Envelope{}, err
	}
	return ctl.channel.Publish(ctx, env)
}

package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Subscribe opens the session's WebSocket feed. A dropped connection is
// redialed with the retry policy, resuming after the last envelope seen;
// when the policy gives up the envelope channel is closed.
func (r Channel) Subscribe(ctx context.Context, sid domain.SessionID) (core.Subscription, error) {
	conn, err := r.c.dial(ctx, sid, "")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		client: r.c,
		sid:    sid,
		box:    core.NewMailbox[domain.Envelope](),
		cancel: cancel,
	}
	go s.run(ctx, conn)
	return s, nil
}

func (c *Client) dial(ctx context.Context, sid domain.SessionID, after domain.EnvelopeID) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + sessionPath(sid, "/ws")
	if after != "" {
		u.RawQuery = "after=" + string(after)
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, responseError(resp)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrChannel, sid, err)
	}
	return conn, nil
}

type subscription struct {
	client *Client
	sid    domain.SessionID
	box    *core.Mailbox[domain.Envelope]
	cancel context.CancelFunc
	once   sync.Once
	last   domain.EnvelopeID
}

func (s *subscription) Envelopes() <-chan domain.Envelope { return s.box.Out() }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.box.Close()
	})
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	logger := log.With().Str("module", "remote").Str("sid", string(s.sid)).Logger()
	for {
		err := s.read(ctx, conn)
		if ctx.Err() != nil {
			s.box.Close()
			return
		}
		logger.Warn().Err(err).Str("after", string(s.last)).Msg("feed dropped, redialing")
		err = s.client.retry.Do(ctx, "resubscribe", func() error {
			var err error
			conn, err = s.client.dial(ctx, s.sid, s.last)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Msg("feed lost")
			s.box.Seal()
			return
		}
	}
}

func (s *subscription) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		var f signal.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case signal.FrameEnvelope:
			if f.Envelope != nil {
				s.last = f.Envelope.ID
				s.box.Push(*f.Envelope)
			}
		case signal.FrameError:
			log.Warn().Str("module", "remote").Str("sid", string(s.sid)).Str("code", f.Code).Msg(f.Error)
		}
	}
}

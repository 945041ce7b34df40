// Package sse serves a session's envelope feed as server-sent events.
// Clients resume with Last-Event-ID; the replay comes from envelope history,
// so a resumed stream may repeat an envelope the live feed also delivers.
package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

const replayTimeout = 10 * time.Second

type envelopeEvent struct {
	env  domain.Envelope
	data string
}

func newEvent(env domain.Envelope) (*envelopeEvent, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &envelopeEvent{env: env, data: string(b)}, nil
}

func (e *envelopeEvent) Id() string    { return string(e.env.ID) }
func (e *envelopeEvent) Event() string { return string(e.env.Kind) }
func (e *envelopeEvent) Data() string  { return e.data }

// history replays envelopes from the channel log. The eventsource
// channel name is the session id.
type history struct {
	channel core.Channel
}

func (h history) Replay(channel, id string) chan eventsource.Event {
	out := make(chan eventsource.Event)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
		defer cancel()
		envs, err := h.channel.History(ctx, domain.SessionID(channel), core.HistoryFilter{AfterID: domain.EnvelopeID(id)})
		if err != nil {
			log.Error().Err(err).Str("module", "sse").Str("sid", channel).Msg("replay")
			return
		}
		for _, env := range envs {
			ev, err := newEvent(env)
			if err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

type Feed struct {
	srv  *eventsource.Server
	repo history

	mu         sync.RWMutex
	registered map[domain.SessionID]struct{}
	closed     bool
}

func NewFeed(ch core.Channel, bufferSize int) *Feed {
	srv := eventsource.NewServer()
	if bufferSize > 0 {
		srv.BufferSize = bufferSize
	}
	return &Feed{
		srv:        srv,
		repo:       history{channel: ch},
		registered: make(map[domain.SessionID]struct{}),
	}
}

// Handler streams sid. The caller authorizes the request first.
func (f *Feed) Handler(sid domain.SessionID) http.HandlerFunc {
	f.mu.Lock()
	if _, ok := f.registered[sid]; !ok && !f.closed {
		f.srv.Register(string(sid), f.repo)
		f.registered[sid] = struct{}{}
	}
	f.mu.Unlock()
	return f.srv.Handler(string(sid))
}

// Publish forwards a published envelope to the session's listeners.
// It is meant to be installed with Hub.Observe.
func (f *Feed) Publish(env domain.Envelope) {
	ev, err := newEvent(env)
	if err != nil {
		log.Error().Err(err).Str("module", "sse").Msg("encode envelope")
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.srv.Publish([]string{string(env.SessionID)}, ev)
}

// Close ends every stream.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.srv.Close()
}

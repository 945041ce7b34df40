// Package resources tracks what a participant holds for one session and
// releases it in a fixed order exactly once.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Degradation records one step down the modality ladder.
type Degradation struct {
	From domain.Modality
	To   domain.Modality
	Err  error
}

func (d Degradation) Error() string {
	return fmt.Sprintf("%s unavailable, continuing with %s: %v", d.From, d.To, d.Err)
}

func (d Degradation) Unwrap() error { return d.Err }

var ladder = map[domain.Modality]domain.Modality{
	domain.ModalityVideo: domain.ModalityAudio,
	domain.ModalityAudio: domain.ModalityChat,
}

type Scope struct {
	sid domain.SessionID

	mu       sync.Mutex
	media    core.LocalMedia
	peer     core.PeerLink
	wake     core.WakeLock
	subs     []core.Subscription
	released bool
	once     sync.Once
}

func NewScope(sid domain.SessionID) *Scope {
	return &Scope{sid: sid}
}

// Acquire asks for want and steps down on ErrMediaAccessDenied. A nil
// media with modality chat means no capture is held.
func (s *Scope) Acquire(ctx context.Context, dev core.MediaDevices, want domain.Modality) (core.LocalMedia, domain.Modality, []Degradation, error) {
	var steps []Degradation
	m := want
	for m.HasMedia() {
		media, err := dev.Acquire(ctx, m)
		if err == nil {
			if !s.SetMedia(media) {
				return nil, m, steps, fmt.Errorf("%w: scope released", domain.ErrSessionEnded)
			}
			return media, m, steps, nil
		}
		if !errors.Is(err, domain.ErrMediaAccessDenied) {
			return nil, m, steps, err
		}
		next := ladder[m]
		steps = append(steps, Degradation{From: m, To: next, Err: err})
		log.Warn().Str("module", "resources").Str("sid", string(s.sid)).
			Str("from", string(m)).Str("to", string(next)).Msg("media degraded")
		m = next
	}
	return nil, m, steps, nil
}

// SetMedia hands media to the scope. After Release it is stopped at once
// and false is returned.
func (s *Scope) SetMedia(m core.LocalMedia) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		m.Stop()
		return false
	}
	s.media = m
	s.mu.Unlock()
	return true
}

func (s *Scope) SetPeer(p core.PeerLink) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		s.closePeer(p)
		return false
	}
	s.peer = p
	s.mu.Unlock()
	return true
}

func (s *Scope) HoldWakeLock(w core.WakeLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: scope released", domain.ErrSessionEnded)
	}
	if s.wake != nil {
		return nil
	}
	if err := w.Acquire(); err != nil {
		return err
	}
	s.wake = w
	return nil
}

func (s *Scope) Track(sub core.Subscription) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		sub.Close()
		return false
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return true
}

func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release stops media, closes the peer, drops the wake-lock and closes
// every subscription, in that order. Later calls do nothing.
func (s *Scope) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		media, peer, wake, subs := s.media, s.peer, s.wake, s.subs
		s.media, s.peer, s.wake, s.subs = nil, nil, nil, nil
		s.mu.Unlock()

		if media != nil {
			s.guard("media", func() error { media.Stop(); return nil })
		}
		if peer != nil {
			s.closePeer(peer)
		}
		if wake != nil {
			s.guard("wakelock", wake.Release)
		}
		for _, sub := range subs {
			s.guard("subscription", func() error { sub.Close(); return nil })
		}
		log.Info().Str("module", "resources").Str("sid", string(s.sid)).Msg("released")
	})
}

func (s *Scope) closePeer(p core.PeerLink) {
	s.guard("peer", p.Close)
}

// guard runs one release step; failures and panics are logged and swallowed.
func (s *Scope) guard(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "resources").Str("sid", string(s.sid)).Str("step", what).Interface("panic", r).Msg("release panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Str("module", "resources").Str("sid", string(s.sid)).Str("step", what).Err(err).Msg("release failed")
	}
}

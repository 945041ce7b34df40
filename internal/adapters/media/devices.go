// Package media provides headless capture devices and remote track fan-out
// for the agent.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Config describes what the host lets the participant capture.
type Config struct {
	AllowVideo bool
	AllowAudio bool
	// Synthesize feeds generated RTP so the remote side sees live tracks.
	Synthesize bool
}

type Devices struct {
	cfg Config
}

var _ core.MediaDevices = (*Devices)(nil)

func NewDevices(cfg Config) *Devices {
	return &Devices{cfg: cfg}
}

func (d *Devices) Acquire(ctx context.Context, m domain.Modality) (core.LocalMedia, error) {
	switch m {
	case domain.ModalityVideo:
		if !d.cfg.AllowVideo || !d.cfg.AllowAudio {
			return nil, fmt.Errorf("%w: camera", domain.ErrMediaAccessDenied)
		}
	case domain.ModalityAudio:
		if !d.cfg.AllowAudio {
			return nil, fmt.Errorf("%w: microphone", domain.ErrMediaAccessDenied)
		}
	default:
		return nil, fmt.Errorf("modality %s captures nothing", m)
	}

	stream := uuid.NewString()
	local := &Local{modality: m}
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, "audio", stream)
	if err != nil {
		return nil, err
	}
	local.add(audio, opusSource())
	if m == domain.ModalityVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		}, "video", stream)
		if err != nil {
			return nil, err
		}
		local.add(video, vp8Source())
	}

	if d.cfg.Synthesize {
		feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		local.cancel = cancel
		for _, f := range local.feeds {
			go f.run(feedCtx)
		}
	}
	log.Info().Str("module", "media").Str("modality", string(m)).Int("tracks", len(local.feeds)).Msg("media acquired")
	return local, nil
}

// Local is the captured media of one session.
type Local struct {
	modality domain.Modality
	feeds    []*feed
	cancel   context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

var _ core.LocalMedia = (*Local)(nil)

func (l *Local) add(track *webrtc.TrackLocalStaticRTP, src source) {
	l.feeds = append(l.feeds, &feed{track: track, src: src, stopped: l.Stopped})
}

func (l *Local) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(l.feeds))
	for i, f := range l.feeds {
		out[i] = f.track
	}
	return out
}

func (l *Local) Modality() domain.Modality { return l.modality }

func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	log.Info().Str("module", "media").Str("modality", string(l.modality)).Msg("media stopped")
}

func (l *Local) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// source describes a synthetic RTP stream.
type source struct {
	payloadType uint8
	interval    time.Duration
	tsStep      uint32
	payload     []byte
}

func opusSource() source {
	// Opus comfort-noise frame, 20ms at 48kHz.
	return source{payloadType: 111, interval: 20 * time.Millisecond, tsStep: 960, payload: []byte{0xf8, 0xff, 0xfe}}
}

func vp8Source() source {
	return source{payloadType: 96, interval: 33 * time.Millisecond, tsStep: 3000, payload: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}}
}

type feed struct {
	track   *webrtc.TrackLocalStaticRTP
	src     source
	stopped func() bool
}

func (f *feed) run(ctx context.Context) {
	ticker := time.NewTicker(f.src.interval)
	defer ticker.Stop()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: f.src.payloadType, Marker: true}}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if f.stopped() {
			return
		}
		pkt.SequenceNumber++
		pkt.Timestamp += f.src.tsStep
		pkt.Payload = f.src.payload
		if err := f.track.WriteRTP(pkt); err != nil {
			log.Debug().Str("module", "media").Str("track", f.track.ID()).Err(err).Msg("feed write failed")
		}
	}
}

// WakeLock is a process-local wake-lock that only records its holder count.
type WakeLock struct {
	mu   sync.Mutex
	held int
}

var _ core.WakeLock = (*WakeLock)(nil)

func (w *WakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held++
	log.Debug().Str("module", "media").Int("held", w.held).Msg("wake-lock acquired")
	return nil
}

func (w *WakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held == 0 {
		return fmt.Errorf("wake-lock not held")
	}
	w.held--
	log.Debug().Str("module", "media").Int("held", w.held).Msg("wake-lock released")
	return nil
}

func (w *WakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held > 0
}

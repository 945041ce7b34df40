package media

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PacketReader is the read side of a remote track.
type PacketReader interface {
	ReadPacket() (*rtp.Packet, error)
}

type remoteTrack struct{ t *webrtc.TrackRemote }

func (r remoteTrack) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

// Fanout copies every packet of one remote track to its OutTracks.
type Fanout struct {
	src PacketReader

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFanout(src PacketReader) *Fanout {
	return &Fanout{
		src:       src,
		outTracks: make(map[string]*OutTrack),
		done:      make(chan struct{}),
	}
}

func (f *Fanout) Done() <-chan struct{} { return f.done }

func (f *Fanout) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fanout ctx done, marking all out tracks for delete")
			f.markAllDelete()
			return
		default:
		}
		pkt, err := f.src.ReadPacket()
		if err != nil {
			logger.Debug().Err(err).Msg("fanout read ended")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := maps.Clone(f.outTracks)
	f.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("sink", id).Msg("fanout write error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, id := range dirty {
			delete(f.outTracks, id)
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ot := range f.outTracks {
		ot.MarkDelete()
	}
}

func (f *Fanout) AddSink(id string, s Sink) *OutTrack {
	ot := NewOutTrack(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outTracks[id] = ot
	return ot
}

func (f *Fanout) Sinks() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outTracks)
}

// Receiver runs one Fanout per remote track of a session and keeps video
// keyframes coming with periodic PLI.
type Receiver struct {
	pliInterval time.Duration
	sinks       func(kind webrtc.RTPCodecType) map[string]Sink

	mu      sync.Mutex
	fanouts map[string]*Fanout
}

// NewReceiver calls sinks for every new track to get its destinations.
func NewReceiver(pliInterval time.Duration, sinks func(kind webrtc.RTPCodecType) map[string]Sink) *Receiver {
	return &Receiver{
		pliInterval: pliInterval,
		sinks:       sinks,
		fanouts:     make(map[string]*Fanout),
	}
}

// Handle starts forwarding track until ctx ends or the track closes.
func (r *Receiver) Handle(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *Fanout {
	logger := log.With().Str("module", "fanout").Str("track", track.ID()).Str("kind", track.Kind().String()).Logger()
	f := r.Start(ctx, track.ID(), remoteTrack{t: track}, r.sinks(track.Kind()), &logger)
	if track.Kind() == webrtc.RTPCodecTypeVideo && r.pliInterval > 0 && receiver != nil {
		go r.requestKeyframes(ctx, f, receiver, uint32(track.SSRC()), &logger)
	}
	return f
}

// Start runs a Fanout for src with the given sinks, replacing any previous
// one with the same id.
func (r *Receiver) Start(ctx context.Context, id string, src PacketReader, sinks map[string]Sink, logger *zerolog.Logger) *Fanout {
	f := NewFanout(src)
	for name, s := range sinks {
		f.AddSink(name, s)
	}
	fctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	r.mu.Lock()
	if old, ok := r.fanouts[id]; ok {
		logger.Info().Msg("replacing existing fanout")
		old.markAllDelete()
		old.cancel()
	}
	r.fanouts[id] = f
	r.mu.Unlock()

	go f.loop(fctx, logger)
	return f
}

func (r *Receiver) requestKeyframes(ctx context.Context, f *Fanout, receiver *webrtc.RTPReceiver, ssrc uint32, logger *zerolog.Logger) {
	ticker := time.NewTicker(r.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.Done():
			return
		case <-ticker.C:
		}
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
		if _, err := receiver.Transport().WriteRTCP(pli); err != nil {
			logger.Debug().Err(err).Msg("PLI write failed")
			return
		}
	}
}

func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.fanouts {
		select {
		case <-f.done:
		default:
			n++
		}
	}
	return n
}

// Stop ends every fanout.
func (r *Receiver) Stop() {
	r.mu.Lock()
	fanouts := r.fanouts
	r.fanouts = make(map[string]*Fanout)
	r.mu.Unlock()
	for _, f := range fanouts {
		f.markAllDelete()
		f.cancel()
	}
}

package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink consumes forwarded RTP. *webrtc.TrackLocalStaticRTP is a Sink.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one destination of a Fanout.
type OutTrack struct {
	Sink  Sink
	state atomic.Int32 // zero is TrackStateOk
}

func NewOutTrack(s Sink) *OutTrack {
	return &OutTrack{Sink: s}
}

func (ot *OutTrack) State() TrackState { return TrackState(ot.state.Load()) }
func (ot *OutTrack) MarkOk()           { ot.state.Store(int32(TrackStateOk)) }
func (ot *OutTrack) MarkMuted()        { ot.state.Store(int32(TrackStateMuted)) }
func (ot *OutTrack) MarkDelete()       { ot.state.Store(int32(TrackStateDelete)) }

// Counter is a Sink that only counts what it sees.
type Counter struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (c *Counter) WriteRTP(p *rtp.Packet) error {
	c.packets.Add(1)
	c.bytes.Add(uint64(len(p.Payload)))
	return nil
}

func (c *Counter) Packets() uint64 { return c.packets.Load() }
func (c *Counter) Bytes() uint64   { return c.bytes.Load() }

package core

import (
	"context"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalMedia is the set of local capture tracks for one session.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Modality() domain.Modality
	// Stop disables every track; writes after Stop are dropped.
	Stop()
	Stopped() bool
}

type MediaDevices interface {
	// Acquire fails with domain.ErrMediaAccessDenied when permission is refused.
	Acquire(ctx context.Context, m domain.Modality) (LocalMedia, error)
}

// PeerEvents are the callbacks a PeerLink reports. They may fire on any goroutine.
type PeerEvents struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnConnected    func()
	OnFailed       func(state webrtc.PeerConnectionState)
	OnTrack        func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// PeerLink is the process-local peer transport. At most one per coordinator.
type PeerLink interface {
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	Close() error
}

type PeerFactory interface {
	NewPeer(ctx context.Context, sid domain.SessionID, ev PeerEvents) (PeerLink, error)
}

// WakeLock keeps the platform awake while a call is up.
type WakeLock interface {
	Acquire() error
	Release() error
}

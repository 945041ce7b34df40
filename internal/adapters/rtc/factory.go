package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Config struct {
	ICEServers      []string
	IncludeLoopback bool
	// NetworkTypes limits gathering, e.g. "udp4". Empty means all.
	NetworkTypes        []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds Connections from one shared pion API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(c Config) (*Factory, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(c.IncludeLoopback)
	if len(c.NetworkTypes) > 0 {
		types := make([]webrtc.NetworkType, 0, len(c.NetworkTypes))
		for _, raw := range c.NetworkTypes {
			nt, err := webrtc.NewNetworkType(raw)
			if err != nil {
				return nil, fmt.Errorf("rtc network type: %w", err)
			}
			types = append(types, nt)
		}
		se.SetNetworkTypes(types)
	}
	if c.DisconnectedTimeout > 0 && c.FailedTimeout > 0 {
		se.SetICETimeouts(c.DisconnectedTimeout, c.FailedTimeout, c.KeepAliveInterval)
	}

	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewPeer(ctx context.Context, sid domain.SessionID, ev core.PeerEvents) (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(ctx, pc, sid, ev), nil
}

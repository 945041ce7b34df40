package signal

import (
	"fmt"

	"github.com/dkeye/Consult/internal/domain"
)

type FrameType string

const (
	FramePublish   FrameType = "publish"
	FramePublished FrameType = "published"
	FrameEnvelope  FrameType = "envelope"
	FrameError     FrameType = "error"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"
)

// Frame is one WebSocket text message in either direction. Ref correlates
// a publish with its published or error reply.
type Frame struct {
	Type     FrameType        `json:"type"`
	Ref      string           `json:"ref,omitempty"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func errorFrame(ref string, err error) Frame {
	return Frame{Type: FrameError, Ref: ref, Code: domain.ErrorCode(err), Error: err.Error()}
}

// Accept prepares a client-supplied envelope for publishing on sid. The
// sender is always the authenticated identity, and the kinds the server
// itself authors are refused.
func Accept(who domain.Identity, sid domain.SessionID, env domain.Envelope) (domain.Envelope, error) {
	switch env.Kind {
	case domain.KindSessionStatus, domain.KindChatMessage:
		return domain.Envelope{}, fmt.Errorf("%w: %s is published by the server", domain.ErrPermissionDenied, env.Kind)
	}
	if !env.Kind.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: unsupported envelope kind %q", domain.ErrInvalid, env.Kind)
	}
	if env.SenderID != "" && env.SenderID != who.UserID {
		return domain.Envelope{}, fmt.Errorf("%w: cannot publish as %s", domain.ErrPermissionDenied, env.SenderID)
	}
	return domain.Envelope{
		SessionID: sid,
		SenderID:  who.UserID,
		Kind:      env.Kind,
		Payload:   env.Payload,
	}, nil
}

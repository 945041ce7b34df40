package core

import (
	"context"
	"time"

	"github.com/dkeye/Consult/internal/domain"
)

// HistoryFilter narrows a historical envelope query. Zero fields match all.
type HistoryFilter struct {
	Kinds    []domain.EnvelopeKind
	SenderID domain.UserID
	Since    time.Time
	AfterID  domain.EnvelopeID
}

func (f HistoryFilter) Match(e domain.Envelope) bool {
	if f.SenderID != "" && e.SenderID != f.SenderID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// Subscription is a live feed of envelopes for one session.
// Delivery is at-least-once and preserves per-sender publish order.
type Subscription interface {
	Envelopes() <-chan domain.Envelope
	Close()
}

// Channel is the broadcast primitive keyed by session id.
type Channel interface {
	// Publish stamps ID and CreatedAt and returns the stored envelope.
	Publish(ctx context.Context, env domain.Envelope) (domain.Envelope, error)
	Subscribe(ctx context.Context, sid domain.SessionID) (Subscription, error)
	// History returns stored envelopes in publish order.
	History(ctx context.Context, sid domain.SessionID, f HistoryFilter) ([]domain.Envelope, error)
}

// EnvelopeStore is the append-only log behind a Channel.
type EnvelopeStore interface {
	AppendEnvelope(ctx context.Context, env domain.Envelope) error
	Envelopes(ctx context.Context, sid domain.SessionID, f HistoryFilter) ([]domain.Envelope, error)
}

package core

import (
	"context"

	"github.com/dkeye/Consult/internal/domain"
)

type MessageStore interface {
	// AppendMessage is idempotent by message id; created reports a new row.
	AppendMessage(ctx context.Context, m domain.ChatMessage) (created bool, err error)
	Messages(ctx context.Context, sid domain.SessionID) ([]domain.ChatMessage, error)
}

// MessageLog is the authoritative chat path.
type MessageLog interface {
	Post(ctx context.Context, who domain.Identity, m domain.ChatMessage) error
	History(ctx context.Context, who domain.Identity, sid domain.SessionID) ([]domain.ChatMessage, error)
}

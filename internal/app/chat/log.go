package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Log is the server-side authoritative chat path.
type Log struct {
	sessions core.SessionStore
	store    core.MessageStore
	channel  core.Channel
	maxLen   int
}

var _ core.MessageLog = (*Log)(nil)

func NewLog(sessions core.SessionStore, store core.MessageStore, ch core.Channel, maxLen int) *Log {
	if maxLen <= 0 {
		maxLen = domain.MaxMessageLen
	}
	return &Log{sessions: sessions, store: store, channel: ch, maxLen: maxLen}
}

// Post stores m under its client-assigned id and publishes it on the feed.
// Posting the same id twice is a no-op.
func (l *Log) Post(ctx context.Context, who domain.Identity, m domain.ChatMessage) error {
	sess, err := l.participant(ctx, who, m.SessionID)
	if err != nil {
		return err
	}
	if sess.Ended() {
		return fmt.Errorf("%w: %s", domain.ErrSessionEnded, sess.ID)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: message id", domain.ErrEmptyMessage)
	}
	// The sender fields come from the authenticated identity.
	checked, err := domain.NewChatMessage(m.SessionID, who, m.Content, l.maxLen, m.CreatedAt)
	if err != nil {
		return err
	}
	checked.ID = m.ID
	if checked.CreatedAt.IsZero() {
		checked.CreatedAt = timeNow().UTC()
	}

	created, err := l.store.AppendMessage(ctx, checked)
	if err != nil {
		return fmt.Errorf("%w: store message: %v", domain.ErrChannel, err)
	}
	if !created {
		log.Debug().Str("module", "chat.log").Str("sid", string(m.SessionID)).Str("msg", string(m.ID)).Msg("duplicate post")
		return nil
	}
	env, err := domain.NewEnvelope(m.SessionID, who.UserID, domain.KindChatMessage, checked)
	if err != nil {
		return err
	}
	if _, err := l.channel.Publish(ctx, env); err != nil {
		return err
	}
	return nil
}

func (l *Log) History(ctx context.Context, who domain.Identity, sid domain.SessionID) ([]domain.ChatMessage, error) {
	if _, err := l.participant(ctx, who, sid); err != nil {
		return nil, err
	}
	return l.store.Messages(ctx, sid)
}

func (l *Log) participant(ctx context.Context, who domain.Identity, sid domain.SessionID) (domain.Session, error) {
	sess, err := l.sessions.GetSession(ctx, sid)
	if err != nil {
		return domain.Session{}, err
	}
	if who.UserID != sess.ProviderID && who.UserID != sess.PatientID {
		return domain.Session{}, fmt.Errorf("%w: %s is not a participant of session %s", domain.ErrPermissionDenied, who.UserID, sid)
	}
	return sess, nil
}

package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxMessageLen = 4000

type MessageID string

func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

type ChatMessage struct {
	ID         MessageID `json:"id"`
	SessionID  SessionID `json:"session_id"`
	SenderID   UserID    `json:"sender_id"`
	SenderRole Role      `json:"sender_role"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewChatMessage assigns the id locally so the optimistic echo and the
// delivered copy share it.
func NewChatMessage(sid SessionID, from Identity, content string, maxLen int, now time.Time) (ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	if utf8.RuneCountInString(content) > maxLen {
		return ChatMessage{}, ErrMessageTooLong
	}
	return ChatMessage{
		ID:         NewMessageID(),
		SessionID:  sid,
		SenderID:   from.UserID,
		SenderRole: from.Role,
		SenderName: from.Name,
		Content:    content,
		CreatedAt:  now,
	}, nil
}

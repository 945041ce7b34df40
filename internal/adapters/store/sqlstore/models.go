package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Consult/internal/domain"
)

type sessionRow struct {
	ID            string  `gorm:"type:TEXT;primaryKey"`
	AppointmentID string  `gorm:"type:TEXT NOT NULL;index"`
	LiveKey       *string `gorm:"type:TEXT;uniqueIndex"`
	ProviderID    string  `gorm:"type:TEXT NOT NULL"`
	PatientID     string  `gorm:"type:TEXT NOT NULL"`
	Modality      string  `gorm:"type:TEXT NOT NULL"`
	State         string  `gorm:"type:TEXT NOT NULL"`
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	DurationNanos int64
	Notes         string
	EndedBy       string
}

func (sessionRow) TableName() string { return "sessions" }

func sessionFromDomain(s domain.Session) sessionRow {
	row := sessionRow{
		ID:            string(s.ID),
		AppointmentID: string(s.AppointmentID),
		ProviderID:    string(s.ProviderID),
		PatientID:     string(s.PatientID),
		Modality:      string(s.Modality),
		State:         string(s.State),
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		DurationNanos: int64(s.Duration),
		Notes:         s.Notes,
		EndedBy:       string(s.EndedBy),
	}
	if !s.Ended() {
		key := string(s.AppointmentID)
		row.LiveKey = &key
	}
	return row
}

func (r sessionRow) toDomain() domain.Session {
	return domain.Session{
		ID:            domain.SessionID(r.ID),
		AppointmentID: domain.AppointmentID(r.AppointmentID),
		ProviderID:    domain.UserID(r.ProviderID),
		PatientID:     domain.UserID(r.PatientID),
		Modality:      domain.Modality(r.Modality),
		State:         domain.State(r.State),
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		Duration:      time.Duration(r.DurationNanos),
		Notes:         r.Notes,
		EndedBy:       domain.UserID(r.EndedBy),
	}
}

type envelopeRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"type:TEXT NOT NULL;uniqueIndex"`
	SessionID string `gorm:"type:TEXT NOT NULL;index"`
	SenderID  string `gorm:"type:TEXT NOT NULL"`
	Kind      string `gorm:"type:TEXT NOT NULL"`
	Payload   []byte
	CreatedAt time.Time
}

func (envelopeRow) TableName() string { return "envelopes" }

func envelopeFromDomain(e domain.Envelope) envelopeRow {
	return envelopeRow{
		ID:        string(e.ID),
		SessionID: string(e.SessionID),
		SenderID:  string(e.SenderID),
		Kind:      string(e.Kind),
		Payload:   []byte(e.Payload),
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (r envelopeRow) toDomain() domain.Envelope {
	var payload json.RawMessage
	if len(r.Payload) > 0 {
		payload = json.RawMessage(r.Payload)
	}
	return domain.Envelope{
		ID:        domain.EnvelopeID(r.ID),
		SessionID: domain.SessionID(r.SessionID),
		SenderID:  domain.UserID(r.SenderID),
		Kind:      domain.EnvelopeKind(r.Kind),
		Payload:   payload,
		CreatedAt: r.CreatedAt,
	}
}

type messageRow struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chat_messages_session_id,priority:2"`
	SessionID  string `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chat_messages_session_id,priority:1"`
	SenderID   string `gorm:"type:TEXT NOT NULL"`
	SenderRole string `gorm:"type:TEXT NOT NULL"`
	SenderName string
	Content    string `gorm:"type:TEXT NOT NULL"`
	CreatedAt  time.Time
}

func (messageRow) TableName() string { return "chat_messages" }

func messageFromDomain(m domain.ChatMessage) messageRow {
	return messageRow{
		ID:         string(m.ID),
		SessionID:  string(m.SessionID),
		SenderID:   string(m.SenderID),
		SenderRole: string(m.SenderRole),
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func (r messageRow) toDomain() domain.ChatMessage {
	return domain.ChatMessage{
		ID:         domain.MessageID(r.ID),
		SessionID:  domain.SessionID(r.SessionID),
		SenderID:   domain.UserID(r.SenderID),
		SenderRole: domain.Role(r.SenderRole),
		SenderName: r.SenderName,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
	}
}

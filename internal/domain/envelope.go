package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EnvelopeID string

func NewEnvelopeID() EnvelopeID { return EnvelopeID(uuid.NewString()) }

type EnvelopeKind string

const (
	KindOffer          EnvelopeKind = "offer"
	KindAnswer         EnvelopeKind = "answer"
	KindICECandidate   EnvelopeKind = "ice-candidate"
	KindJoinLobby      EnvelopeKind = "join-lobby"
	KindLeaveLobby     EnvelopeKind = "leave-lobby"
	KindAdmitPatient   EnvelopeKind = "admit-patient"
	KindAdmitAck       EnvelopeKind = "admit-ack"
	KindSessionStatus  EnvelopeKind = "session-status"
	KindChatMessage    EnvelopeKind = "chat-message"
	KindRelayedMessage EnvelopeKind = "relayed-message"
)

func (k EnvelopeKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate,
		KindJoinLobby, KindLeaveLobby, KindAdmitPatient, KindAdmitAck,
		KindSessionStatus, KindChatMessage, KindRelayedMessage:
		return true
	}
	return false
}

// Envelope is one relayed signaling or lobby control message.
// Append-only: the transport stamps ID and CreatedAt, nobody mutates it after.
type Envelope struct {
	ID        EnvelopeID      `json:"id"`
	SessionID SessionID       `json:"session_id"`
	SenderID  UserID          `json:"sender_id"`
	Kind      EnvelopeKind    `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope marshals payload (may be nil) into a fresh envelope.
func NewEnvelope(sid SessionID, sender UserID, kind EnvelopeKind, payload any) (Envelope, error) {
	env := Envelope{SessionID: sid, SenderID: sender, Kind: kind}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

func (e Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: envelope missing session id", ErrInvalid)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: envelope missing sender id", ErrInvalid)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unsupported envelope kind %q", ErrInvalid, e.Kind)
	}
	return nil
}

// Payloads.

type LobbyPayload struct {
	Name string `json:"name,omitempty"`
}

type AdmitPayload struct {
	PatientID UserID `json:"patient_id"`
}

type DescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	// Link names the provider peer an offer came from; the answer echoes it.
	Link string `json:"link,omitempty"`
}

type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate inside the cumulative candidate set.
func (c CandidatePayload) Key() string {
	mid, idx := "", "-"
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		idx = fmt.Sprint(*c.SDPMLineIndex)
	}
	return c.Candidate + "|" + mid + "|" + idx
}

type StatusPayload struct {
	State    State         `json:"state"`
	EndedBy  UserID        `json:"ended_by,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}
